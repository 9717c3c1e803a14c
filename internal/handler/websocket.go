package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/p2pshare/rendezvous-server/internal/config"
	apperrors "github.com/p2pshare/rendezvous-server/internal/errors"
	"github.com/p2pshare/rendezvous-server/internal/model"
	"github.com/p2pshare/rendezvous-server/internal/sse"
	"github.com/p2pshare/rendezvous-server/internal/util"
)

// wsFrame is the envelope for every text frame the server sends.
type wsFrame struct {
	Type    string              `json:"type"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Data    json.RawMessage     `json:"data,omitempty"`
	Code    apperrors.ErrorCode `json:"code,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func (h *RendezvousHandler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	return strings.EqualFold(origin, strings.TrimRight(h.opts.AllowedOrigin, "/"))
}

// GET /api/signal/ws?otp=&role=
//
// Each inbound text frame must be a JSON document and is posted as a signal
// from role. Queued signals for role are pushed as {"type":"signal"} frames.
func (h *RendezvousHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
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
	if _, err := h.service.Status(r.Context(), code); err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := h.broker.Subscribe(sse.Subject(code, string(role)))
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("code", util.MaskCode(code)).
		Str("role", string(role)).
		Msg("signal websocket opened")

	var writeMu sync.Mutex
	send := func(frame wsFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(config.WebSocketWriteWait))
		return conn.WriteJSON(frame)
	}
	closeWith := func(closeCode int, reason string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(config.WebSocketWriteWait))
	}
	push := func() bool {
		payloads, err := h.service.PollSignal(r.Context(), code, role)
		if err != nil {
			_ = send(errorFrame(err))
			closeWith(websocket.CloseNormalClosure, "session closed")
			return false
		}
		for _, p := range payloads {
			if err := send(wsFrame{Type: sse.EventSignal, Payload: p}); err != nil {
				return false
			}
		}
		return true
	}

	if h.opts.MaxSignalBytes > 0 {
		conn.SetReadLimit(int64(h.opts.MaxSignalBytes))
	}
	_ = conn.SetReadDeadline(time.Now().Add(config.WebSocketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WebSocketPongWait))
	})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		h.readSignals(r.Context(), conn, code, role, send)
	}()

	if !push() {
		return
	}

	ping := time.NewTicker(config.WebSocketPongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-readerDone:
			return

		case <-client.Done:
			closeWith(websocket.CloseGoingAway, "server shutting down")
			return

		case event := <-client.Events:
			switch event.Type {
			case sse.EventSignal:
				if !push() {
					return
				}
			case sse.EventClosed:
				_ = send(wsFrame{Type: event.Type, Data: event.Data})
				closeWith(websocket.CloseNormalClosure, "session closed")
				return
			default:
				if err := send(wsFrame{Type: event.Type, Data: event.Data}); err != nil {
					return
				}
			}

		case <-ping.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WebSocketWriteWait))
			writeMu.Unlock()
			if err != nil {
				return
			}
			if !push() {
				return
			}
		}
	}
}

func (h *RendezvousHandler) readSignals(ctx context.Context, conn *websocket.Conn, code string, role model.Role, send func(wsFrame) error) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("code", util.MaskCode(code)).Msg("websocket read failed")
			}
			return
		}
		if msgType != websocket.TextMessage || !json.Valid(msg) {
			_ = send(errorFrame(apperrors.InvalidInput("payload", "must be a JSON text frame")))
			continue
		}

		err = h.service.PostSignal(ctx, code, role, msg)
		if err != nil {
			_ = send(errorFrame(err))
			if apperrors.HasCode(err, apperrors.ErrCodeNotFound, apperrors.ErrCodeExpired) {
				return
			}
		}
	}
}

func errorFrame(err error) wsFrame {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	return wsFrame{Type: "error", Code: appErr.Code, Error: appErr.Message}
}
