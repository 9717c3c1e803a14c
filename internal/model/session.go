package model

import "time"

// SessionRecord is the persisted lifecycle of one pairing session.
type SessionRecord struct {
	ID            string        `db:"id" json:"id"`
	Code          string        `db:"code" json:"code"`
	Status        SessionStatus `db:"status" json:"status"`
	SignalCount   int           `db:"signal_count" json:"signalCount"`
	CloseReason   *CloseReason  `db:"close_reason" json:"closeReason,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
	ClaimedAt     *time.Time    `db:"claimed_at" json:"claimedAt,omitempty"`
	EstablishedAt *time.Time    `db:"established_at" json:"establishedAt,omitempty"`
	ClosedAt      *time.Time    `db:"closed_at" json:"closedAt,omitempty"`
}

type CreateSessionRecordParams struct {
	ID        string
	Code      string
	CreatedAt time.Time
}

type CloseSessionRecordParams struct {
	ID          string
	Status      SessionStatus
	Reason      CloseReason
	SignalCount int
	ClosedAt    time.Time
}
