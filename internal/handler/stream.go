package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/p2pshare/rendezvous-server/internal/config"
	"github.com/p2pshare/rendezvous-server/internal/model"
	"github.com/p2pshare/rendezvous-server/internal/sse"
	"github.com/p2pshare/rendezvous-server/internal/util"
)

// peerToken reads the token from the header, falling back to the query
// string for clients such as EventSource that cannot set headers.
func peerToken(r *http.Request) string {
	if token := r.Header.Get(PeerTokenHeader); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// GET /api/signal/stream?otp=&role=
//
// Messages for role are drained and pushed as "signal" events as soon as
// they arrive. Session lifecycle events are forwarded as they are.
func (h *RendezvousHandler) Stream(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("otp")
	role, err := parseRole(r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.authorizePeer(r, code, role, peerToken(r)); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()

	snapshot, err := h.service.Status(ctx, code)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	client := h.broker.Subscribe(sse.Subject(code, string(role)))
	defer h.broker.Unsubscribe(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Info().
		Str("code", util.MaskCode(code)).
		Str("role", string(role)).
		Msg("signal stream opened")

	if err := h.sendEvent(w, flusher, "connected", map[string]any{
		"otp":    code,
		"role":   role,
		"status": snapshot.Status,
	}); err != nil {
		return
	}

	if !h.pushSignals(ctx, w, flusher, code, role) {
		return
	}

	heartbeat := time.NewTicker(config.StreamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("code", util.MaskCode(code)).Msg("signal stream closed by client")
			return

		case <-client.Done:
			log.Debug().Str("code", util.MaskCode(code)).Msg("signal stream closed by broker")
			return

		case event := <-client.Events:
			switch event.Type {
			case sse.EventSignal:
				if !h.pushSignals(ctx, w, flusher, code, role) {
					return
				}
			case sse.EventClosed:
				h.sendRawEvent(w, flusher, event)
				return
			default:
				if err := h.sendRawEvent(w, flusher, event); err != nil {
					log.Debug().Err(err).Msg("failed to send event")
					return
				}
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("code", util.MaskCode(code)).
					Msg("heartbeat failed, closing stream")
				return
			}
			flusher.Flush()

			// catches signals published before a redis subscription was live
			if !h.pushSignals(ctx, w, flusher, code, role) {
				return
			}
		}
	}
}

// pushSignals drains the queue for role onto the stream. It reports whether
// the stream should stay open.
func (h *RendezvousHandler) pushSignals(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, code string, role model.Role) bool {
	payloads, err := h.service.PollSignal(ctx, code, role)
	if err != nil {
		h.sendEvent(w, flusher, sse.EventClosed, map[string]any{"otp": code, "error": err.Error()})
		return false
	}

	for _, p := range payloads {
		if err := h.sendRawEvent(w, flusher, sse.Event{Type: sse.EventSignal, Data: p}); err != nil {
			log.Warn().
				Err(err).
				Str("code", util.MaskCode(code)).
				Int("dropped", len(payloads)).
				Msg("stream write failed after drain")
			return false
		}
	}
	return true
}

func (h *RendezvousHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

// sendRawEvent writes one event. Data spanning lines is compacted so it fits
// a single data field.
func (h *RendezvousHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if bytes.ContainsAny(event.Data, "\r\n") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, event.Data); err == nil {
			event.Data = buf.Bytes()
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
