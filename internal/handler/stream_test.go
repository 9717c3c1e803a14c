package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pshare/rendezvous-server/internal/model"
	"github.com/p2pshare/rendezvous-server/internal/sse"
)

type streamEvent struct {
	Type string
	Data string
}

func readStreamEvent(t *testing.T, r *bufio.Reader) streamEvent {
	t.Helper()

	var ev streamEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")

		switch {
		case line == "":
			if ev.Type != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event: "):
			ev.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func claimedSession(t *testing.T, api *testAPI, code string) {
	t.Helper()
	ctx := context.Background()
	_, err := api.service.IssueCode(ctx)
	require.NoError(t, err)
	_, err = api.service.ClaimCode(ctx, code)
	require.NoError(t, err)
}

func TestRendezvousHandler_Stream(t *testing.T) {
	api := newTestAPI(t, RendezvousOptions{}, fixedCode("400001"))
	claimedSession(t, api, "400001")

	ctx := context.Background()
	require.NoError(t, api.service.PostSignal(ctx, "400001", model.RoleInitiator, []byte(`{"type":"offer"}`)))

	srv := httptest.NewServer(api.router)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/api/signal/stream?otp=400001&role=joiner")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	ev := readStreamEvent(t, reader)
	assert.Equal(t, "connected", ev.Type)
	assert.Contains(t, ev.Data, `"status":"exchanging"`, "a queued signal moved the session on")

	ev = readStreamEvent(t, reader)
	assert.Equal(t, sse.EventSignal, ev.Type, "queued signal is pushed on connect")
	assert.JSONEq(t, `{"type":"offer"}`, ev.Data)

	require.NoError(t, api.service.PostSignal(ctx, "400001", model.RoleInitiator, []byte("{\n  \"candidate\": \"c1\"\n}")))

	ev = readStreamEvent(t, reader)
	assert.Equal(t, sse.EventSignal, ev.Type)
	assert.JSONEq(t, `{"candidate":"c1"}`, ev.Data)

	msgs, err := api.service.PollSignal(ctx, "400001", model.RoleJoiner)
	require.NoError(t, err)
	assert.Empty(t, msgs, "the stream drains what it delivers")

	_, err = api.service.Teardown(ctx, "400001")
	require.NoError(t, err)

	ev = readStreamEvent(t, reader)
	assert.Equal(t, sse.EventClosed, ev.Type)
	assert.Contains(t, ev.Data, "teardown")
}

func TestRendezvousHandler_StreamRejectsUnknownSession(t *testing.T) {
	api := newTestAPI(t, RendezvousOptions{})

	rec := api.do(http.MethodGet, "/api/signal/stream?otp=400002&role=joiner", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodGet, "/api/signal/stream?otp=400002&role=nobody", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRendezvousHandler_StreamAcceptsQueryToken(t *testing.T) {
	api := newTestAPI(t, RendezvousOptions{RequirePeerToken: true}, fixedCode("400003"))

	ctx := context.Background()
	ticket, err := api.service.IssueCode(ctx)
	require.NoError(t, err)

	rec := api.do(http.MethodGet, "/api/signal/stream?otp=400003&role=initiator", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	srv := httptest.NewServer(api.router)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/api/signal/stream?otp=400003&role=initiator&token=" + ticket.Token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "connected", readStreamEvent(t, reader).Type)

	_, err = api.service.ClaimCode(ctx, "400003")
	require.NoError(t, err)

	ev := readStreamEvent(t, reader)
	assert.Equal(t, sse.EventClaimed, ev.Type)
}

func TestRendezvousHandler_sendRawEvent(t *testing.T) {
	h := &RendezvousHandler{}
	rec := httptest.NewRecorder()

	err := h.sendRawEvent(rec, rec, sse.Event{Type: "signal", Data: []byte("{\n\"a\": 1\n}")})
	require.NoError(t, err)

	assert.Equal(t, "event: signal\ndata: {\"a\":1}\n\n", rec.Body.String())
}
