package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/p2pshare/rendezvous-server/internal/audit"
	"github.com/p2pshare/rendezvous-server/internal/config"
	apperrors "github.com/p2pshare/rendezvous-server/internal/errors"
	"github.com/p2pshare/rendezvous-server/internal/httputil"
	"github.com/p2pshare/rendezvous-server/internal/model"
	"github.com/p2pshare/rendezvous-server/internal/service"
	"github.com/p2pshare/rendezvous-server/internal/sse"
	"github.com/p2pshare/rendezvous-server/internal/util"
)

// PeerTokenHeader carries the token handed out by /otp or /connect.
const PeerTokenHeader = "X-Peer-Token"

type RendezvousOptions struct {
	RequirePeerToken bool
	AllowedOrigin    string
	MaxSignalBytes   int
}

type RendezvousHandler struct {
	service  *service.RendezvousService
	broker   *sse.Broker
	opts     RendezvousOptions
	upgrader websocket.Upgrader
}

func NewRendezvousHandler(svc *service.RendezvousService, broker *sse.Broker, opts RendezvousOptions) *RendezvousHandler {
	h := &RendezvousHandler{
		service: svc,
		broker:  broker,
		opts:    opts,
	}
	h.upgrader.CheckOrigin = h.checkOrigin
	return h
}

// Routes mounts the signaling API. issueLimit and claimLimit wrap the two
// endpoints that hand out or consume codes.
func (h *RendezvousHandler) Routes(issueLimit, claimLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.With(issueLimit).Get("/otp", h.IssueCode)
		r.With(claimLimit).Post("/connect", h.Connect)
		r.Post("/signal", h.PostSignal)
		r.Get("/signal", h.PollSignal)
		r.Post("/establish", h.Establish)
		r.Post("/teardown", h.Teardown)
		r.Get("/session", h.Status)
	})

	// long-lived, no request timeout
	r.Get("/signal/stream", h.Stream)
	r.Get("/signal/ws", h.WebSocket)

	return r
}

type connectRequest struct {
	OTP string `json:"otp"`
}

type signalRequest struct {
	OTP     string          `json:"otp"`
	Role    string          `json:"role"`
	Payload json.RawMessage `json:"payload"`
}

type roleRequest struct {
	OTP  string `json:"otp"`
	Role string `json:"role"`
}

// GET /api/otp
func (h *RendezvousHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.service.IssueCode(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type: audit.EventCodeIssue,
		Code: util.MaskCode(ticket.Code),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"otp":       ticket.Code,
		"role":      model.RoleInitiator,
		"token":     ticket.Token,
		"expiresAt": ticket.ExpiresAt.Format(time.RFC3339),
	})
}

// POST /api/connect
func (h *RendezvousHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeConnectError(w, err)
		return
	}

	handle, err := h.service.ClaimCode(r.Context(), req.OTP)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeAlreadyClaimed, apperrors.ErrCodeNotFound, apperrors.ErrCodeExpired) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventClaimRejected,
				Code:    util.MaskCode(req.OTP),
				Details: map[string]interface{}{"reason": string(apperrors.GetCode(err))},
			})
		}
		writeConnectError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type: audit.EventCodeClaim,
		Code: util.MaskCode(handle.Code),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"otp":       handle.Code,
		"role":      handle.Role,
		"token":     handle.Token,
		"expiresAt": handle.ExpiresAt.Format(time.RFC3339),
	})
}

func writeConnectError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	writeJSON(w, httputil.StatusFromCode(appErr.Code), map[string]any{
		"valid": false,
		"error": appErr.Message,
		"code":  appErr.Code,
	})
}

// POST /api/signal
func (h *RendezvousHandler) PostSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	role, err := parseRole(req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.authorizePeer(r, req.OTP, role, r.Header.Get(PeerTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	payload := bytes.TrimSpace(req.Payload)
	if bytes.Equal(payload, []byte("null")) {
		payload = nil
	}

	if err := h.service.PostSignal(r.Context(), req.OTP, role, payload); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GET /api/signal?otp=&role=
func (h *RendezvousHandler) PollSignal(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("otp")
	role, err := parseRole(r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.authorizePeer(r, code, role, r.Header.Get(PeerTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	payloads, err := h.service.PollSignal(r.Context(), code, role)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": rawMessages(payloads),
	})
}

// POST /api/establish
func (h *RendezvousHandler) Establish(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	role, err := parseRole(req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.authorizePeer(r, req.OTP, role, r.Header.Get(PeerTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	if err := h.service.MarkEstablished(r.Context(), req.OTP, role); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// POST /api/teardown
//
// Role is optional unless peer tokens are required. Tearing down an unknown
// code succeeds.
func (h *RendezvousHandler) Teardown(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	token := r.Header.Get(PeerTokenHeader)
	if req.Role != "" || h.opts.RequirePeerToken {
		role, err := parseRole(req.Role)
		if err != nil {
			writeError(w, err)
			return
		}
		err = h.authorizePeer(r, req.OTP, role, token)
		if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeNotFound, apperrors.ErrCodeExpired) {
			writeError(w, err)
			return
		}
	}

	removed, err := h.service.Teardown(r.Context(), req.OTP)
	if err != nil {
		writeError(w, err)
		return
	}

	if removed {
		audit.LogFromRequest(r, audit.Event{
			Type: audit.EventSessionTeardown,
			Code: util.MaskCode(req.OTP),
		})
	}

	w.WriteHeader(http.StatusNoContent)
}

// GET /api/session?otp=
func (h *RendezvousHandler) Status(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.Status(r.Context(), r.URL.Query().Get("otp"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// authorizePeer checks the peer token when one is supplied, and demands one
// when the server is configured to.
func (h *RendezvousHandler) authorizePeer(r *http.Request, code string, role model.Role, token string) error {
	if token == "" && !h.opts.RequirePeerToken {
		return nil
	}
	if token == "" {
		return apperrors.Unauthorized("Peer token required")
	}

	err := h.service.VerifyPeer(code, role, token)
	if apperrors.HasCode(err, apperrors.ErrCodeUnauthorized) {
		log.Warn().
			Str("code", util.MaskCode(code)).
			Str("role", string(role)).
			Msg("peer token rejected")
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventPeerAuthFailure,
			Code:    util.MaskCode(code),
			Details: map[string]interface{}{"role": string(role)},
		})
	}
	return err
}

func rawMessages(payloads [][]byte) []json.RawMessage {
	out := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		out[i] = json.RawMessage(p)
	}
	return out
}

func parseRole(s string) (model.Role, error) {
	if s == "" {
		return "", apperrors.MissingRequired("role")
	}
	role, err := model.ParseRole(s)
	if err != nil {
		return "", apperrors.InvalidInput("role", "must be initiator or joiner")
	}
	return role, nil
}
