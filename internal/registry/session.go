package registry

import (
	"sync"
	"time"

	"github.com/p2pshare/rendezvous-server/internal/model"
)

type session struct {
	mu sync.Mutex

	// id names this issuance of code; codes are reused once retired
	id            string
	code          string
	status        model.SessionStatus
	createdAt     time.Time
	expiresAt     time.Time
	claimedAt     *time.Time
	establishedAt *time.Time
	evictAt       time.Time

	// hashed peer handles
	tokens  map[model.Role]string
	inbox   map[model.Role][][]byte
	acked   map[model.Role]bool
	signals int
	removed bool
}

func newSession(id, code string, createdAt, expiresAt time.Time) *session {
	return &session{
		id:        id,
		code:      code,
		status:    model.SessionStatusPending,
		createdAt: createdAt,
		expiresAt: expiresAt,
		tokens:    make(map[model.Role]string, 2),
		inbox:     make(map[model.Role][][]byte, 2),
		acked:     make(map[model.Role]bool, 2),
	}
}

// staleReason reports whether the session should leave the table at now.
// Caller holds s.mu.
func (s *session) staleReason(now time.Time) (model.CloseReason, bool) {
	if s.status == model.SessionStatusEstablished {
		if !now.Before(s.evictAt) {
			return model.CloseReasonEvicted, true
		}
		return "", false
	}
	if !now.Before(s.expiresAt) {
		return model.CloseReasonExpired, true
	}
	return "", false
}

// markRemoved flags the session as gone. Caller holds s.mu.
func (s *session) markRemoved(reason model.CloseReason, now time.Time) Removal {
	s.removed = true
	status := s.status
	if reason == model.CloseReasonExpired {
		status = model.SessionStatusExpired
	}
	return Removal{
		SessionID:   s.id,
		Code:        s.code,
		Status:      status,
		Reason:      reason,
		SignalCount: s.signals,
		At:          now,
	}
}

// retire frees the code held by an existing entry if it is already removed or
// stale. The caller holds the shard lock.
func (s *session) retire(now time.Time) (*Removal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil, true
	}
	reason, stale := s.staleReason(now)
	if !stale {
		return nil, false
	}
	removal := s.markRemoved(reason, now)
	return &removal, true
}

func (s *session) snapshot() model.SessionSnapshot {
	snap := model.SessionSnapshot{
		Code:          s.code,
		Status:        s.status,
		CreatedAt:     s.createdAt,
		ExpiresAt:     s.expiresAt,
		ClaimedAt:     s.claimedAt,
		EstablishedAt: s.establishedAt,
		Pending: map[model.Role]int{
			model.RoleInitiator: len(s.inbox[model.RoleInitiator]),
			model.RoleJoiner:    len(s.inbox[model.RoleJoiner]),
		},
	}
	for _, role := range []model.Role{model.RoleInitiator, model.RoleJoiner} {
		if s.acked[role] {
			snap.Acknowledged = append(snap.Acknowledged, role)
		}
	}
	return snap
}
