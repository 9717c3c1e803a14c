package handler

import (
	"net/http"
	"strconv"
)

// Page sizes for session history listings.
const (
	DefaultHistoryPageSize = 25
	MaxHistoryPageSize     = 200
)

type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit and offset from the query. A missing or
// non-positive limit gets the default page; a larger one is capped.
func ParsePagination(r *http.Request) PaginationParams {
	q := r.URL.Query()

	limit, err := strconv.Atoi(q.Get("limit"))
	switch {
	case err != nil || limit <= 0:
		limit = DefaultHistoryPageSize
	case limit > MaxHistoryPageSize:
		limit = MaxHistoryPageSize
	}

	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	return PaginationParams{Limit: limit, Offset: offset}
}
