package model

import "time"

// PairingTicket is handed to the peer that requested a new code.
type PairingTicket struct {
	SessionID string    `json:"-"`
	Code      string    `json:"otp"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionHandle is handed to the peer that claimed a code.
type SessionHandle struct {
	SessionID string    `json:"-"`
	Code      string    `json:"otp"`
	Role      Role      `json:"role"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SessionSnapshot struct {
	Code          string        `json:"otp"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	ClaimedAt     *time.Time    `json:"claimedAt,omitempty"`
	EstablishedAt *time.Time    `json:"establishedAt,omitempty"`
	Acknowledged  []Role        `json:"acknowledged,omitempty"`
	Pending       map[Role]int  `json:"pending"`
}

type RegistryStats struct {
	Live     int                   `json:"live"`
	ByStatus map[SessionStatus]int `json:"byStatus"`
	Queued   int                   `json:"queued"`
}
