package middleware

import (
	"sync"
	"time"
)

const (
	adminMaxFailures     = 5
	adminWindowDuration  = time.Minute
	adminCleanupInterval = 5 * time.Minute
)

type failedAttempt struct {
	count       int
	windowStart time.Time
}

// AdminAttemptLimiter blocks an address after repeated admin auth failures.
type AdminAttemptLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*failedAttempt
	lastCleanup time.Time
	now         func() time.Time
}

func NewAdminAttemptLimiter() *AdminAttemptLimiter {
	return &AdminAttemptLimiter{
		attempts:    make(map[string]*failedAttempt),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (l *AdminAttemptLimiter) cleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < adminCleanupInterval {
		return
	}
	l.lastCleanup = now

	for ip, attempt := range l.attempts {
		if now.Sub(attempt.windowStart) > adminWindowDuration {
			delete(l.attempts, ip)
		}
	}
}

func (l *AdminAttemptLimiter) Blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanup(now)

	attempt, exists := l.attempts[ip]
	if !exists {
		return false
	}
	if now.Sub(attempt.windowStart) > adminWindowDuration {
		delete(l.attempts, ip)
		return false
	}
	return attempt.count >= adminMaxFailures
}

func (l *AdminAttemptLimiter) RecordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	attempt, exists := l.attempts[ip]
	if !exists || now.Sub(attempt.windowStart) > adminWindowDuration {
		l.attempts[ip] = &failedAttempt{count: 1, windowStart: now}
		return
	}
	attempt.count++
}
