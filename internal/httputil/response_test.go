package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/p2pshare/rendezvous-server/internal/errors"
)

func TestStatusFromCode(t *testing.T) {
	tests := []struct {
		code   apperrors.ErrorCode
		status int
	}{
		{apperrors.ErrCodeInvalidInput, http.StatusBadRequest},
		{apperrors.ErrCodeMissingRequired, http.StatusBadRequest},
		{apperrors.ErrCodeUnauthorized, http.StatusUnauthorized},
		{apperrors.ErrCodeNotFound, http.StatusNotFound},
		{apperrors.ErrCodeExpired, http.StatusNotFound},
		{apperrors.ErrCodeAlreadyClaimed, http.StatusConflict},
		{apperrors.ErrCodeInvalidState, http.StatusConflict},
		{apperrors.ErrCodePayloadTooLarge, http.StatusRequestEntityTooLarge},
		{apperrors.ErrCodeQueueFull, http.StatusTooManyRequests},
		{apperrors.ErrCodeRateLimitExceeded, http.StatusTooManyRequests},
		{apperrors.ErrCodeInternal, http.StatusInternalServerError},
		{apperrors.ErrorCode("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.status, StatusFromCode(tc.code))
		})
	}
}

func TestWriteError(t *testing.T) {
	t.Run("writes AppError with mapped status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperrors.AlreadyClaimed())

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, apperrors.ErrCodeAlreadyClaimed, body.Code)
		assert.NotEmpty(t, body.Error)
	})

	t.Run("hides unknown errors behind internal error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("connection reset by peer"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection reset")
		assert.Contains(t, rec.Body.String(), string(apperrors.ErrCodeInternal))
	})
}
