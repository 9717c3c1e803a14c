package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/p2pshare/rendezvous-server/internal/model"
)

type SessionHistoryRepository interface {
	Create(ctx context.Context, params model.CreateSessionRecordParams) (*model.SessionRecord, error)
	FindLatestByCode(ctx context.Context, code string) (*model.SessionRecord, error)
	MarkClaimed(ctx context.Context, id string, at time.Time) error
	MarkEstablished(ctx context.Context, id string, at time.Time) error
	MarkClosed(ctx context.Context, params model.CloseSessionRecordParams) error
	CountByStatusSince(ctx context.Context, since time.Time) (map[model.SessionStatus]int, error)
	List(ctx context.Context, status string, limit, offset int) ([]model.SessionRecord, int, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type sessionHistoryRepo struct {
	db *sqlx.DB
}

func NewSessionHistoryRepository(db *sqlx.DB) SessionHistoryRepository {
	return &sessionHistoryRepo{db: db}
}

func (r *sessionHistoryRepo) Create(ctx context.Context, params model.CreateSessionRecordParams) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	err := r.db.GetContext(ctx, &rec, `
		INSERT INTO pairing_sessions (id, code, status, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.ID, params.Code, model.SessionStatusPending, params.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *sessionHistoryRepo) FindLatestByCode(ctx context.Context, code string) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT * FROM pairing_sessions
		WHERE code = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, code)
	return HandleNotFound(&rec, err)
}

// MarkClaimed and the other lifecycle updates address a record by id. A code
// is only unique while live, so several records may share one.
func (r *sessionHistoryRepo) MarkClaimed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			status = $2,
			claimed_at = $3
		WHERE id = $1
	`, id, model.SessionStatusClaimed, at)
	return err
}

func (r *sessionHistoryRepo) MarkEstablished(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			status = $2,
			established_at = $3
		WHERE id = $1
	`, id, model.SessionStatusEstablished, at)
	return err
}

func (r *sessionHistoryRepo) MarkClosed(ctx context.Context, params model.CloseSessionRecordParams) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			status = $2,
			close_reason = $3,
			signal_count = $4,
			closed_at = $5
		WHERE id = $1
	`, params.ID, params.Status, params.Reason, params.SignalCount, params.ClosedAt)
	return err
}

func (r *sessionHistoryRepo) CountByStatusSince(ctx context.Context, since time.Time) (map[model.SessionStatus]int, error) {
	var rows []struct {
		Status model.SessionStatus `db:"status"`
		Count  int                 `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count FROM pairing_sessions
		WHERE created_at >= $1
		GROUP BY status
	`, since)
	if err != nil {
		return nil, err
	}

	counts := make(map[model.SessionStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// List returns records newest first. An empty status matches every record.
func (r *sessionHistoryRepo) List(ctx context.Context, status string, limit, offset int) ([]model.SessionRecord, int, error) {
	var total int
	err := r.db.GetContext(ctx, &total, `
		SELECT COUNT(*) FROM pairing_sessions
		WHERE ($1 = '' OR status = $1)
	`, status)
	if err != nil {
		return nil, 0, err
	}

	records := []model.SessionRecord{}
	err = r.db.SelectContext(ctx, &records, `
		SELECT * FROM pairing_sessions
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (r *sessionHistoryRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_sessions
		WHERE closed_at IS NOT NULL AND closed_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
