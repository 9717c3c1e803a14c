package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/p2pshare/rendezvous-server/internal/errors"
	"github.com/p2pshare/rendezvous-server/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// decodeJSON reads a JSON body into v. Bodies cut off by the body limit
// middleware surface as PAYLOAD_TOO_LARGE.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.PayloadTooLarge(int(maxErr.Limit))
		}
		return apperrors.ValidationError("Invalid request body")
	}
	return nil
}
