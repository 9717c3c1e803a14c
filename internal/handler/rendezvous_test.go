package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pshare/rendezvous-server/internal/registry"
	"github.com/p2pshare/rendezvous-server/internal/service"
	"github.com/p2pshare/rendezvous-server/internal/sse"
)

func passthrough(next http.Handler) http.Handler { return next }

type testAPI struct {
	t       *testing.T
	router  chi.Router
	service *service.RendezvousService
	broker  *sse.Broker
}

func newTestAPI(t *testing.T, opts RendezvousOptions, regOpts ...registry.Option) *testAPI {
	t.Helper()

	broker := sse.NewBroker(nil)
	t.Cleanup(broker.Close)

	svc := service.NewRendezvousService(nil, broker, regOpts...)
	h := NewRendezvousHandler(svc, broker, opts)

	r := chi.NewRouter()
	r.Mount("/api", h.Routes(passthrough, passthrough))
	r.Mount("/admin", NewAdminHandler(svc, broker).Routes())

	return &testAPI{t: t, router: r, service: svc, broker: broker}
}

func fixedCode(code string) registry.Option {
	return registry.WithCodeGenerator(func() (string, error) { return code, nil })
}

func (a *testAPI) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	a.t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRendezvousHandler_FullExchange(t *testing.T) {
	api := newTestAPI(t, RendezvousOptions{}, fixedCode("483920"))

	rec := api.do(http.MethodGet, "/api/otp", "")
	require.Equal(t, http.StatusOK, rec.Code)
	issued := decodeBody(t, rec)
	assert.Equal(t, "483920", issued["otp"])
	assert.Equal(t, "initiator", issued["role"])
	assert.NotEmpty(t, issued["token"])
	assert.NotEmpty(t, issued["expiresAt"])

	rec = api.do(http.MethodPost, "/api/connect", `{"otp":"483920"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	joined := decodeBody(t, rec)
	assert.Equal(t, true, joined["valid"])
	assert.Equal(t, "joiner", joined["role"])
	assert.NotEmpty(t, joined["token"])

	rec = api.do(http.MethodPost, "/api/signal", `{"otp":"483920","role":"initiator","payload":{"type":"offer","sdp":"o1"}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(http.MethodPost, "/api/signal", `{"otp":"483920","role":"initiator","payload":{"candidate":"c1"}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(http.MethodGet, "/api/signal?otp=483920&role=joiner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[{"type":"offer","sdp":"o1"},{"candidate":"c1"}]}`, rec.Body.String())

	rec = api.do(http.MethodGet, "/api/signal?otp=483920&role=joiner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/signal", `{"otp":"483920","role":"joiner","payload":{"type":"answer","sdp":"a1"}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(http.MethodGet, "/api/signal?otp=483920&role=initiator", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[{"type":"answer","sdp":"a1"}]}`, rec.Body.String())

	rec = api.do(http.MethodGet, "/api/session?otp=483920", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "exchanging", decodeBody(t, rec)["status"])

	rec = api.do(http.MethodPost, "/api/establish", `{"otp":"483920","role":"joiner"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(http.MethodGet, "/api/session?otp=483920", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "established", decodeBody(t, rec)["status"])

	rec = api.do(http.MethodPost, "/api/teardown", `{"otp":"483920"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(http.MethodGet, "/api/session?otp=483920", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPost, "/api/connect", `{"otp":"483920"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRendezvousHandler_Connect(t *testing.T) {
	t.Run("rejects malformed code with 400", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{})

		for _, body := range []string{`{"otp":"48392"}`, `{"otp":"48392a"}`, `{}`, `not json`} {
			rec := api.do(http.MethodPost, "/api/connect", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
			assert.Equal(t, false, decodeBody(t, rec)["valid"], body)
		}
	})

	t.Run("unknown code is 404 with valid false", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{})

		rec := api.do(http.MethodPost, "/api/connect", `{"otp":"999999"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["valid"])
		assert.Equal(t, "NOT_FOUND", body["code"])
	})

	t.Run("second claim is 409", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{}, fixedCode("123456"))
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/otp", "").Code)

		require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/connect", `{"otp":"123456"}`).Code)

		rec := api.do(http.MethodPost, "/api/connect", `{"otp":"123456"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["valid"])
		assert.Equal(t, "ALREADY_CLAIMED", body["code"])
	})
}

func TestRendezvousHandler_SignalErrors(t *testing.T) {
	t.Run("post before claim is 409", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{}, fixedCode("100001"))
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/otp", "").Code)

		rec := api.do(http.MethodPost, "/api/signal", `{"otp":"100001","role":"initiator","payload":{"type":"offer"}}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "INVALID_STATE", decodeBody(t, rec)["code"])
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{})

		rec := api.do(http.MethodPost, "/api/signal", `{"otp":"100002","role":"initiator","payload":{"type":"offer"}}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = api.do(http.MethodGet, "/api/signal?otp=100002&role=joiner", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad role is 400", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{})

		rec := api.do(http.MethodPost, "/api/signal", `{"otp":"100003","role":"observer","payload":{}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_INPUT", decodeBody(t, rec)["code"])

		rec = api.do(http.MethodGet, "/api/signal?otp=100003", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "MISSING_REQUIRED", decodeBody(t, rec)["code"])
	})

	t.Run("missing and oversized payloads", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{}, fixedCode("100004"), registry.WithMaxPayload(32))
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/otp", "").Code)
		require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/connect", `{"otp":"100004"}`).Code)

		rec := api.do(http.MethodPost, "/api/signal", `{"otp":"100004","role":"initiator"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = api.do(http.MethodPost, "/api/signal", `{"otp":"100004","role":"initiator","payload":null}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		big := `{"otp":"100004","role":"initiator","payload":"` + strings.Repeat("x", 64) + `"}`
		rec = api.do(http.MethodPost, "/api/signal", big)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("full queue is 429", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{}, fixedCode("100005"), registry.WithMaxQueue(2))
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/otp", "").Code)
		require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/connect", `{"otp":"100005"}`).Code)

		body := `{"otp":"100005","role":"initiator","payload":{"n":1}}`
		require.Equal(t, http.StatusNoContent, api.do(http.MethodPost, "/api/signal", body).Code)
		require.Equal(t, http.StatusNoContent, api.do(http.MethodPost, "/api/signal", body).Code)

		rec := api.do(http.MethodPost, "/api/signal", body)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "QUEUE_FULL", decodeBody(t, rec)["code"])
	})

	t.Run("establish before claim is 409", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{}, fixedCode("100006"))
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/otp", "").Code)

		rec := api.do(http.MethodPost, "/api/establish", `{"otp":"100006","role":"initiator"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestRendezvousHandler_Teardown(t *testing.T) {
	api := newTestAPI(t, RendezvousOptions{})

	rec := api.do(http.MethodPost, "/api/teardown", `{"otp":"555555"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code, "unknown code tears down cleanly")

	rec = api.do(http.MethodPost, "/api/teardown", `{"otp":"55555"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRendezvousHandler_PeerToken(t *testing.T) {
	t.Run("required tokens", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{RequirePeerToken: true}, fixedCode("200001"))

		rec := api.do(http.MethodGet, "/api/otp", "")
		require.Equal(t, http.StatusOK, rec.Code)
		initiatorToken := decodeBody(t, rec)["token"].(string)

		rec = api.do(http.MethodPost, "/api/connect", `{"otp":"200001"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		joinerToken := decodeBody(t, rec)["token"].(string)

		body := `{"otp":"200001","role":"initiator","payload":{"type":"offer"}}`
		rec = api.do(http.MethodPost, "/api/signal", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = api.do(http.MethodPost, "/api/signal", body, PeerTokenHeader, joinerToken)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "joiner token cannot speak for initiator")

		rec = api.do(http.MethodPost, "/api/signal", body, PeerTokenHeader, initiatorToken)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = api.do(http.MethodGet, "/api/signal?otp=200001&role=joiner", "", PeerTokenHeader, joinerToken)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = api.do(http.MethodPost, "/api/teardown", `{"otp":"200001"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "role is needed to check the token")

		rec = api.do(http.MethodPost, "/api/teardown", `{"otp":"200001","role":"joiner"}`, PeerTokenHeader, joinerToken)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("optional tokens are still checked when sent", func(t *testing.T) {
		api := newTestAPI(t, RendezvousOptions{}, fixedCode("200002"))
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/otp", "").Code)
		require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/connect", `{"otp":"200002"}`).Code)

		rec := api.do(http.MethodGet, "/api/signal?otp=200002&role=joiner", "", PeerTokenHeader, "forged")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = api.do(http.MethodGet, "/api/signal?otp=200002&role=joiner", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAdminHandler(t *testing.T) {
	api := newTestAPI(t, RendezvousOptions{}, fixedCode("300001"))
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/otp", "").Code)

	rec := api.do(http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	sessions := body["sessions"].(map[string]any)
	assert.Equal(t, float64(1), sessions["live"])

	rec = api.do(http.MethodGet, "/admin/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["total"], "no history store configured")

	rec = api.do(http.MethodGet, "/admin/sessions?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/admin/sessions/300001", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decodeBody(t, rec)["status"])

	rec = api.do(http.MethodPost, "/admin/sessions/300001/teardown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["removed"])

	rec = api.do(http.MethodGet, "/admin/sessions/300001", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
