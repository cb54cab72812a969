package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-transit/internal/lifecycle"
	"github.com/example/campus-transit/internal/logging"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := storage.NewMemoryStore()
	svc := lifecycle.NewService(store, lifecycle.WithLogger(logging.Discard()))
	s := NewServer(svc, store, nil, logging.Discard())
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		s.WSReg.CloseAll()
		srv.Close()
		svc.Close()
	})
	return s, srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, headers map[string]string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func createRide(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, out := do(t, srv, http.MethodPost, "/api/v1/requests", map[string]string{headerRequester: "R"},
		map[string]any{"kind": "ride", "origin": "Main Gate", "destination": "SJT"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "SEARCHING", out["status"])
	return out["id"].(string)
}

func TestCreateAndGet(t *testing.T) {
	_, srv := newTestServer(t)
	id := createRide(t, srv)

	resp, out := do(t, srv, http.MethodGet, "/api/v1/requests/"+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, id, out["id"])
	require.Equal(t, "RIDE", out["kind"])
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/requests/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateValidation(t *testing.T) {
	_, srv := newTestServer(t)
	resp, out := do(t, srv, http.MethodPost, "/api/v1/requests", map[string]string{headerRequester: "R"},
		map[string]any{"kind": "DELIVERY", "origin": "F", "destination": "MH"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	fields := out["fields"].(map[string]any)
	require.Contains(t, fields, "pickupPoint")
	require.Contains(t, fields, models.AttrOfferFee)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/requests", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := srv.Client().Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestTransitionsOverHTTP(t *testing.T) {
	_, srv := newTestServer(t)
	id := createRide(t, srv)
	before := testutil.ToFloat64(observability.ClaimConflicts)

	resp, out := do(t, srv, http.MethodPost, "/api/v1/requests/"+id+"/claim", map[string]string{headerAgent: "D"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ASSIGNED", out["status"])

	resp, out = do(t, srv, http.MethodPost, "/api/v1/requests/"+id+"/claim", map[string]string{headerAgent: "E"}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, jobUnavailable, out["error"])
	require.Equal(t, before+1, testutil.ToFloat64(observability.ClaimConflicts))

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/requests/"+id+"/begin", map[string]string{headerAgent: "E"}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, out = do(t, srv, http.MethodPost, "/api/v1/requests/"+id+"/begin", map[string]string{headerAgent: "D"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "IN_PROGRESS", out["status"])

	resp, out = do(t, srv, http.MethodPost, "/api/v1/requests/"+id+"/complete", map[string]string{headerAgent: "D"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "COMPLETED", out["status"])

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/requests/"+id+"/cancel", map[string]string{headerActor: "R"}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelOverHTTP(t *testing.T) {
	_, srv := newTestServer(t)
	id := createRide(t, srv)

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/requests/"+id+"/cancel", map[string]string{headerActor: "D"}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, out := do(t, srv, http.MethodPost, "/api/v1/requests/"+id+"/cancel", map[string]string{headerActor: "R"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "CANCELLED", out["status"])
	require.Equal(t, "R", out["cancelledBy"])
}

func healthz(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status     string `json:"status"`
		WSSessions int    `json:"ws_sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	return body.WSSessions
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)
	require.Equal(t, 0, healthz(t, srv))
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialWS(t *testing.T, url string, h http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil[T any](t *testing.T, conn *websocket.Conn, cond func(T) bool) T {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg T
		require.NoError(t, conn.ReadJSON(&msg))
		if cond(msg) {
			return msg
		}
	}
}

func TestFeedWebsocketAccept(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, wsURL(srv, "/ws/agents/D/feed/ride"), nil)
	readUntil(t, conn, func(m feedMessage) bool { return m.Type == "feed" && m.Online })

	id := createRide(t, srv)
	m := readUntil(t, conn, func(m feedMessage) bool { return len(m.Requests) == 1 })
	require.Equal(t, id, m.Requests[0].ID)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "accept", ID: id}))
	res := readUntil(t, conn, func(m acceptResult) bool { return m.Type == "accept_result" })
	require.True(t, res.Claimed)
	require.Equal(t, "D", res.Request.AgentID)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "accept", ID: id}))
	res = readUntil(t, conn, func(m acceptResult) bool { return m.Type == "accept_result" })
	require.True(t, res.Claimed, "repeated accept by the owner is idempotent")
}

func TestFeedWebsocketRejectsUnknownKind(t *testing.T) {
	_, srv := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/agents/D/feed/boat"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionWebsocket(t *testing.T) {
	_, srv := newTestServer(t)
	id := createRide(t, srv)
	conn := dialWS(t, wsURL(srv, "/ws/requests/"+id), http.Header{headerRequester: []string{"R"}})

	st := readUntil(t, conn, func(m stateMessage) bool { return m.Type == "state" })
	require.Equal(t, "SEARCHING", string(st.Phase))
	require.Equal(t, 10, st.DurationMinutes)

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/requests/"+id+"/claim", map[string]string{headerAgent: "D"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = readUntil(t, conn, func(m stateMessage) bool { return m.Type == "state" })
	require.Equal(t, "PROVIDER_EN_ROUTE", string(st.Phase))

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "cancel"}))
	st = readUntil(t, conn, func(m stateMessage) bool { return m.Type == "state" })
	require.True(t, st.Cancelled)
	require.Equal(t, "IDLE", string(st.Phase))
}

func TestSessionWebsocketUnknownRequest(t *testing.T) {
	_, srv := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/requests/missing"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRequests(t *testing.T) {
	_, srv := newTestServer(t)
	first := createRide(t, srv)
	second := createRide(t, srv)

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/requests/"+first+"/claim", map[string]string{headerAgent: "D"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := do(t, srv, http.MethodGet, "/api/v1/requests?kind=ride", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := out["requests"].([]any)
	require.Len(t, list, 1, "defaults to SEARCHING")
	require.Equal(t, second, list[0].(map[string]any)["id"])

	resp, out = do(t, srv, http.MethodGet, "/api/v1/requests?status=any", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out["requests"].([]any), 2)

	resp, out = do(t, srv, http.MethodGet, "/api/v1/requests?kind=delivery", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, out["requests"])

	resp, out = do(t, srv, http.MethodGet, "/api/v1/requests?status=waiting", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, out["fields"], "status")
}

func TestTimestampsAreFixedWidth(t *testing.T) {
	_, srv := newTestServer(t)
	id := createRide(t, srv)
	_, out := do(t, srv, http.MethodGet, "/api/v1/requests/"+id, nil, nil)
	created := out["createdAt"].(string)
	require.Len(t, created, len(models.WireTimeLayout))
	require.True(t, strings.HasSuffix(created, "Z"))
}

func TestHealthzCountsWebsocketSessions(t *testing.T) {
	_, srv := newTestServer(t)
	first := dialWS(t, wsURL(srv, "/ws/agents/D/feed/ride"), nil)
	readUntil(t, first, func(m feedMessage) bool { return m.Online })
	require.Equal(t, 1, healthz(t, srv))

	// a second connection for the same agent and kind replaces the first
	second := dialWS(t, wsURL(srv, "/ws/agents/D/feed/ride"), nil)
	readUntil(t, second, func(m feedMessage) bool { return m.Online })
	require.Equal(t, 1, healthz(t, srv))

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var m feedMessage
		if err := first.ReadJSON(&m); err != nil {
			break
		}
	}

	id := createRide(t, srv)
	m := readUntil(t, second, func(m feedMessage) bool { return len(m.Requests) == 1 })
	require.Equal(t, id, m.Requests[0].ID)
}

func TestFeedWebsocketRefusesOtherKind(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, wsURL(srv, "/ws/agents/D/feed/delivery"), nil)
	readUntil(t, conn, func(m feedMessage) bool { return m.Type == "feed" && m.Online })

	id := createRide(t, srv)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "accept", ID: id}))
	res := readUntil(t, conn, func(m acceptResult) bool { return m.Type == "accept_result" })
	require.False(t, res.Claimed)
	require.Equal(t, "request is not a delivery", res.Error)

	_, out := do(t, srv, http.MethodGet, "/api/v1/requests/"+id, nil, nil)
	require.Equal(t, "SEARCHING", out["status"])
}

func TestSessionWebsocketStateCommand(t *testing.T) {
	_, srv := newTestServer(t)
	id := createRide(t, srv)
	conn := dialWS(t, wsURL(srv, "/ws/requests/"+id), http.Header{headerRequester: []string{"R"}})
	readUntil(t, conn, func(m stateMessage) bool { return m.Type == "state" })

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/requests/"+id+"/claim", map[string]string{headerAgent: "D"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readUntil(t, conn, func(m stateMessage) bool { return m.Phase == "PROVIDER_EN_ROUTE" })

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "state"}))
	st := readUntil(t, conn, func(m stateMessage) bool { return m.Type == "state" })
	require.Equal(t, "PROVIDER_EN_ROUTE", string(st.Phase))
	require.Equal(t, "D", st.Request.AgentID)
}
