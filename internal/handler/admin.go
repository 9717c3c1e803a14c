package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/p2pshare/rendezvous-server/internal/service"
	"github.com/p2pshare/rendezvous-server/internal/sse"
	"github.com/p2pshare/rendezvous-server/internal/util"
)

type AdminHandler struct {
	service *service.RendezvousService
	broker  *sse.Broker
}

func NewAdminHandler(svc *service.RendezvousService, broker *sse.Broker) *AdminHandler {
	return &AdminHandler{
		service: svc,
		broker:  broker,
	}
}

// Routes expects admin authentication to be applied by the caller.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/stats", h.Stats)
	r.Get("/sessions", h.ListSessions)
	r.Get("/sessions/{otp}", h.GetSession)
	r.Post("/sessions/{otp}/teardown", h.TeardownSession)

	return r
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to get stats")
		writeError(w, err)
		return
	}

	subscribers := 0
	if h.broker != nil {
		subscribers = h.broker.TotalClients()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":    stats.Registry,
		"history":     stats.History,
		"subscribers": subscribers,
	})
}

func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	status := r.URL.Query().Get("status")

	records, total, err := h.service.History(r.Context(), status, p.Limit, p.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": records,
		"total": total,
	})
}

func (h *AdminHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.Status(r.Context(), chi.URLParam(r, "otp"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *AdminHandler) TeardownSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "otp")

	removed, err := h.service.Teardown(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Info().
		Str("code", util.MaskCode(code)).
		Bool("removed", removed).
		Msg("admin teardown")

	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}
