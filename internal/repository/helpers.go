package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to a nil result without error. Missing rows are not an error for Find* lookups.
//
// Usage:
//
//	var rec model.SessionRecord
//	err := r.db.GetContext(ctx, &rec, query, args...)
//	return HandleNotFound(&rec, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
