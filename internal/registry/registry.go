package registry

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	apperrors "github.com/p2pshare/rendezvous-server/internal/errors"
	"github.com/p2pshare/rendezvous-server/internal/model"
	"github.com/p2pshare/rendezvous-server/internal/util"
)

const (
	DefaultTTL        = 15 * time.Minute
	DefaultRetention  = 30 * time.Second
	DefaultMaxPayload = 64 << 10
	DefaultMaxQueue   = 64
	DefaultShards     = 32

	maxIssueAttempts = 16
)

// Removal describes a session that left the table.
type Removal struct {
	SessionID   string
	Code        string
	Status      model.SessionStatus
	Reason      model.CloseReason
	SignalCount int
	At          time.Time
}

type Option func(*Registry)

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRetention sets how long an established session stays readable before eviction.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.retention = d
		}
	}
}

func WithMaxPayload(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxPayload = n
		}
	}
}

func WithMaxQueue(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxQueue = n
		}
	}
}

func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shardCount = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(r *Registry) {
		r.newCode = gen
	}
}

// WithOnRemove registers a hook invoked after a session is unlinked.
// It runs outside all registry locks.
func WithOnRemove(fn func(Removal)) Option {
	return func(r *Registry) {
		r.onRemove = fn
	}
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// Registry is the process-wide table of live pairing codes. Map membership is
// guarded per shard; everything about a single session is guarded by that
// session's own mutex.
type Registry struct {
	shards     []*shard
	shardCount int
	ttl        time.Duration
	retention  time.Duration
	maxPayload int
	maxQueue   int
	now        func() time.Time
	newCode    func() (string, error)
	onRemove   func(Removal)
}

func New(opts ...Option) *Registry {
	r := &Registry{
		shardCount: DefaultShards,
		ttl:        DefaultTTL,
		retention:  DefaultRetention,
		maxPayload: DefaultMaxPayload,
		maxQueue:   DefaultMaxQueue,
		now:        time.Now,
		newCode:    util.GeneratePairingCode,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.shards = make([]*shard, r.shardCount)
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*session)}
	}
	return r
}

func (r *Registry) TTL() time.Duration { return r.ttl }

func (r *Registry) shardFor(code string) *shard {
	return r.shards[xxhash.Sum64String(code)%uint64(len(r.shards))]
}

// IssueCode creates a pending session under a fresh code. A code that is
// still live is never reused; a stale one is retired first.
func (r *Registry) IssueCode() (model.PairingTicket, error) {
	token, err := util.GenerateToken()
	if err != nil {
		return model.PairingTicket{}, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to generate peer token", err)
	}

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		code, err := r.newCode()
		if err != nil {
			return model.PairingTicket{}, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to generate pairing code", err)
		}

		now := r.now()
		s := newSession(uuid.NewString(), code, now, now.Add(r.ttl))
		s.tokens[model.RoleInitiator] = util.HashToken(token)

		sh := r.shardFor(code)
		sh.mu.Lock()
		var stale *Removal
		if existing, ok := sh.sessions[code]; ok {
			var free bool
			stale, free = existing.retire(now)
			if !free {
				sh.mu.Unlock()
				continue
			}
		}
		sh.sessions[code] = s
		sh.mu.Unlock()

		if stale != nil {
			r.notify(*stale)
		}

		return model.PairingTicket{
			SessionID: s.id,
			Code:      code,
			Token:     token,
			CreatedAt: s.createdAt,
			ExpiresAt: s.expiresAt,
		}, nil
	}

	return model.PairingTicket{}, apperrors.Internal("Could not allocate a unique pairing code")
}

// ClaimCode moves a pending session to claimed. At most one claim per code succeeds.
func (r *Registry) ClaimCode(code string) (model.SessionHandle, error) {
	token, err := util.GenerateToken()
	if err != nil {
		return model.SessionHandle{}, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to generate peer token", err)
	}

	s, err := r.acquire(code)
	if err != nil {
		return model.SessionHandle{}, err
	}
	defer s.mu.Unlock()

	if s.status != model.SessionStatusPending {
		return model.SessionHandle{}, apperrors.AlreadyClaimed()
	}

	now := r.now()
	s.status = model.SessionStatusClaimed
	s.claimedAt = &now
	s.tokens[model.RoleJoiner] = util.HashToken(token)

	return model.SessionHandle{
		SessionID: s.id,
		Code:      code,
		Role:      model.RoleJoiner,
		Token:     token,
		ExpiresAt: s.expiresAt,
	}, nil
}

// PostSignal queues payload for the peer of from. It returns the session
// status after the append.
func (r *Registry) PostSignal(code string, from model.Role, payload []byte) (model.SessionStatus, error) {
	if !from.Valid() {
		return "", apperrors.InvalidInput("role", "must be initiator or joiner")
	}
	if len(payload) == 0 {
		return "", apperrors.MissingRequired("payload")
	}
	if len(payload) > r.maxPayload {
		return "", apperrors.PayloadTooLarge(r.maxPayload)
	}

	s, err := r.acquire(code)
	if err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	switch s.status {
	case model.SessionStatusClaimed, model.SessionStatusExchanging:
	default:
		return s.status, apperrors.InvalidState("Session is not accepting signals").
			WithDetails(map[string]any{"status": s.status})
	}

	to := from.Peer()
	if len(s.inbox[to]) >= r.maxQueue {
		return s.status, apperrors.QueueFull()
	}

	msg := make([]byte, len(payload))
	copy(msg, payload)
	s.inbox[to] = append(s.inbox[to], msg)
	s.signals++
	s.status = model.SessionStatusExchanging

	return s.status, nil
}

// PollSignal drains the inbound queue of role in send order. It never blocks
// and returns an empty slice when nothing is waiting.
func (r *Registry) PollSignal(code string, role model.Role) ([][]byte, error) {
	if !role.Valid() {
		return nil, apperrors.InvalidInput("role", "must be initiator or joiner")
	}

	s, err := r.acquire(code)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	msgs := s.inbox[role]
	s.inbox[role] = nil
	if msgs == nil {
		msgs = [][]byte{}
	}
	return msgs, nil
}

// MarkEstablished records that role has a direct connection. The first
// acknowledgement moves the session to established and reports changed;
// later ones are only recorded. id names the session that was acknowledged.
func (r *Registry) MarkEstablished(code string, role model.Role) (id string, changed bool, err error) {
	if !role.Valid() {
		return "", false, apperrors.InvalidInput("role", "must be initiator or joiner")
	}

	s, err := r.acquire(code)
	if err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()

	switch s.status {
	case model.SessionStatusPending:
		return s.id, false, apperrors.InvalidState("Pairing code has not been claimed")
	case model.SessionStatusEstablished:
		s.acked[role] = true
		return s.id, false, nil
	}

	now := r.now()
	s.status = model.SessionStatusEstablished
	s.establishedAt = &now
	s.evictAt = now.Add(r.retention)
	s.acked[role] = true
	return s.id, true, nil
}

// Teardown removes the session. It reports whether anything was removed.
func (r *Registry) Teardown(code string) bool {
	s := r.lookup(code)
	if s == nil {
		return false
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return false
	}
	removal := s.markRemoved(model.CloseReasonTeardown, r.now())
	s.mu.Unlock()

	r.unlink(s)
	r.notify(removal)
	return true
}

// SweepExpired removes expired pairing sessions and established sessions past
// retention. It returns the number removed.
func (r *Registry) SweepExpired() int {
	now := r.now()
	removed := 0

	for _, sh := range r.shards {
		sh.mu.RLock()
		candidates := make([]*session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			candidates = append(candidates, s)
		}
		sh.mu.RUnlock()

		for _, s := range candidates {
			s.mu.Lock()
			if s.removed {
				s.mu.Unlock()
				continue
			}
			reason, stale := s.staleReason(now)
			if !stale {
				s.mu.Unlock()
				continue
			}
			removal := s.markRemoved(reason, now)
			s.mu.Unlock()

			r.unlink(s)
			r.notify(removal)
			removed++
		}
	}

	return removed
}

// VerifyPeer checks token against the handle issued to role.
func (r *Registry) VerifyPeer(code string, role model.Role, token string) error {
	if !role.Valid() {
		return apperrors.InvalidInput("role", "must be initiator or joiner")
	}

	s, err := r.acquire(code)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	expected := s.tokens[role]
	if expected == "" || token == "" || !util.ConstantTimeEqual(expected, util.HashToken(token)) {
		return apperrors.Unauthorized("Peer token does not match")
	}
	return nil
}

func (r *Registry) Snapshot(code string) (model.SessionSnapshot, error) {
	s, err := r.acquire(code)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	defer s.mu.Unlock()

	return s.snapshot(), nil
}

func (r *Registry) Stats() model.RegistryStats {
	stats := model.RegistryStats{ByStatus: make(map[model.SessionStatus]int)}

	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			s.mu.Lock()
			if !s.removed {
				stats.Live++
				stats.ByStatus[s.status]++
				stats.Queued += len(s.inbox[model.RoleInitiator]) + len(s.inbox[model.RoleJoiner])
			}
			s.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	return stats
}

// Len returns the number of entries in the table, stale ones included.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

func (r *Registry) lookup(code string) *session {
	sh := r.shardFor(code)
	sh.mu.RLock()
	s := sh.sessions[code]
	sh.mu.RUnlock()
	return s
}

// acquire returns the live session for code with its mutex held. Stale
// sessions found on the way are removed.
func (r *Registry) acquire(code string) (*session, error) {
	s := r.lookup(code)
	if s == nil {
		return nil, apperrors.NotFound("Pairing session")
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return nil, apperrors.NotFound("Pairing session")
	}

	now := r.now()
	reason, stale := s.staleReason(now)
	if !stale {
		return s, nil
	}

	removal := s.markRemoved(reason, now)
	s.mu.Unlock()

	r.unlink(s)
	r.notify(removal)

	if reason == model.CloseReasonExpired {
		return nil, apperrors.Expired()
	}
	return nil, apperrors.NotFound("Pairing session")
}

func (r *Registry) unlink(s *session) {
	sh := r.shardFor(s.code)
	sh.mu.Lock()
	if sh.sessions[s.code] == s {
		delete(sh.sessions, s.code)
	}
	sh.mu.Unlock()
}

func (r *Registry) notify(removal Removal) {
	if r.onRemove != nil {
		r.onRemove(removal)
	}
}
