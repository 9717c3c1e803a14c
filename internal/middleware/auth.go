package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/p2pshare/rendezvous-server/internal/audit"
	apperrors "github.com/p2pshare/rendezvous-server/internal/errors"
	"github.com/p2pshare/rendezvous-server/internal/util"
)

// AdminAuthMiddleware accepts the admin password as a bearer token and checks
// it against a bcrypt hash. With no hash configured every request is refused.
type AdminAuthMiddleware struct {
	passwordHash string
	attempts     *AdminAttemptLimiter
}

func NewAdminAuthMiddleware(passwordHash string, attempts *AdminAttemptLimiter) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{passwordHash: passwordHash, attempts: attempts}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := audit.ClientIP(r)

		if m.attempts != nil && m.attempts.Blocked(ip) {
			w.Header().Set("Retry-After", "60")
			writeError(w, apperrors.RateLimitExceeded())
			return
		}

		if m.passwordHash == "" {
			writeError(w, apperrors.Unauthorized("Admin access is disabled"))
			return
		}

		token := extractToken(r)
		if token == "" {
			writeError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		if !util.CheckPasswordHash(token, m.passwordHash) {
			log.Warn().Str("ip", ip).Msg("admin auth: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAdminAuthFailure})
			if m.attempts != nil {
				m.attempts.RecordFailure(ip)
			}
			writeError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
