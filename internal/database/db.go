package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/p2pshare/rendezvous-server/internal/config"
)

type DB struct {
	*sqlx.DB
}

func Connect(databaseURL string) (*DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.DBMaxOpenConns)
	db.SetMaxIdleConns(config.DBMaxIdleConns)
	db.SetConnMaxLifetime(config.DBConnMaxLifetime)

	return &DB{db}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS pairing_sessions (
	id             UUID PRIMARY KEY,
	code           CHAR(6) NOT NULL,
	status         TEXT NOT NULL,
	signal_count   INTEGER NOT NULL DEFAULT 0,
	close_reason   TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	claimed_at     TIMESTAMPTZ,
	established_at TIMESTAMPTZ,
	closed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS pairing_sessions_code_created_idx ON pairing_sessions (code, created_at DESC);
CREATE INDEX IF NOT EXISTS pairing_sessions_closed_idx ON pairing_sessions (closed_at) WHERE closed_at IS NOT NULL;
`

// Migrate creates the history schema if it does not exist.
func Migrate(ctx context.Context, db *DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
