package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 10
	DBMaxIdleConns    = 2
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 30 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 15 * time.Second
)

// Ping timeout for database and redis at startup
const PingTimeout = 5 * time.Second

// Rate limit window for code issuance and claims
const RateLimitWindow = time.Minute

// Long-lived push connections
const (
	StreamHeartbeatInterval = 25 * time.Second
	WebSocketWriteWait      = 5 * time.Second
	WebSocketPongWait       = 60 * time.Second
)
