package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okian/sidelink/internal/domain/model"
	"github.com/okian/sidelink/internal/state"
	"github.com/okian/sidelink/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(); err != nil {
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// testServer bundles a hub, its terminal store, and an HTTP test server.
type testServer struct {
	hub      *Hub
	terminal *state.Store
	srv      *httptest.Server
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	terminal := state.New()
	h := New(terminal, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Shutdown()
		terminal.Shutdown()
	})
	return &testServer{hub: h, terminal: terminal, srv: srv}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, requestID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":       "subscribe",
		"request_id": requestID,
		"session_id": "session-1",
	}))
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func waitForSubscribers(t *testing.T, h *Hub, requestID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.SubscriberCount(requestID) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubBroadcastToSubscriber(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	subscribe(t, conn, "req-1")
	waitForSubscribers(t, ts.hub, "req-1", 1)

	ts.hub.Broadcast("req-1", map[string]string{"type": "result_patch", "request_id": "req-1"})

	var got map[string]string
	readJSON(t, conn, &got)
	assert.Equal(t, "result_patch", got["type"])
	assert.Equal(t, "req-1", got["request_id"])
}

func TestHubBroadcastScoping(t *testing.T) {
	ts := newTestServer(t)
	connA := ts.dial(t)
	connB := ts.dial(t)

	subscribe(t, connA, "req-a")
	subscribe(t, connB, "req-b")
	waitForSubscribers(t, ts.hub, "req-a", 1)
	waitForSubscribers(t, ts.hub, "req-b", 1)

	ts.hub.Broadcast("req-a", map[string]string{"request_id": "req-a"})

	var got map[string]string
	readJSON(t, connA, &got)
	assert.Equal(t, "req-a", got["request_id"])

	// The other subscriber must see nothing.
	require.NoError(t, connB.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := connB.ReadMessage()
	assert.Error(t, err)
}

func TestHubBroadcastZeroSubscribers(t *testing.T) {
	ts := newTestServer(t)

	assert.NotPanics(t, func() {
		ts.hub.Broadcast("req-nobody", map[string]string{"request_id": "req-nobody"})
	})
}

func TestHubReplayOnLateSubscribe(t *testing.T) {
	ts := newTestServer(t)

	payload := map[string]any{"status": "completed", "items": []any{"pizza-house"}}
	ts.terminal.Set(context.Background(), "req-1", model.TerminalState{
		Status:  model.RequestCompleted,
		Payload: payload,
	}, 0)

	conn := ts.dial(t)
	subscribe(t, conn, "req-1")

	var got map[string]any
	readJSON(t, conn, &got)
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, []any{"pizza-house"}, got["items"])

	// Replay happens exactly once per subscribe.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHubNoReplayForNonTerminal(t *testing.T) {
	ts := newTestServer(t)

	ts.terminal.Set(context.Background(), "req-1", model.TerminalState{
		Status: model.RequestRunning,
	}, 0)

	conn := ts.dial(t)
	subscribe(t, conn, "req-1")
	waitForSubscribers(t, ts.hub, "req-1", 1)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "a non-terminal state must not replay")
}

func TestHubUnsubscribe(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	subscribe(t, conn, "req-1")
	waitForSubscribers(t, ts.hub, "req-1", 1)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":       "unsubscribe",
		"request_id": "req-1",
	}))
	waitForSubscribers(t, ts.hub, "req-1", 0)

	ts.hub.Broadcast("req-1", map[string]string{"request_id": "req-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHubPingPong(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	var got map[string]string
	readJSON(t, conn, &got)
	assert.Equal(t, "pong", got["type"])
}

func TestHubMalformedInboundKeepsConnection(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"})) // missing request_id
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "mystery"}))

	// The connection must survive all of the above.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var got map[string]string
	readJSON(t, conn, &got)
	assert.Equal(t, "pong", got["type"])
}

func TestHubMultipleSubscribersSameRequest(t *testing.T) {
	ts := newTestServer(t)
	connA := ts.dial(t)
	connB := ts.dial(t)

	subscribe(t, connA, "req-1")
	subscribe(t, connB, "req-1")
	waitForSubscribers(t, ts.hub, "req-1", 2)

	ts.hub.Broadcast("req-1", map[string]string{"request_id": "req-1"})

	for _, conn := range []*websocket.Conn{connA, connB} {
		var got map[string]string
		readJSON(t, conn, &got)
		assert.Equal(t, "req-1", got["request_id"])
	}
}

func TestHubOriginPolicy(t *testing.T) {
	t.Run("production rejects unlisted origins", func(t *testing.T) {
		ts := newTestServer(t,
			WithEnvironment("production"),
			WithAllowedOrigins([]string{"https://app.example.com"}),
		)

		header := http.Header{"Origin": []string{"https://evil.example.com"}}
		_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("production accepts listed origins", func(t *testing.T) {
		ts := newTestServer(t,
			WithEnvironment("production"),
			WithAllowedOrigins([]string{"https://app.example.com"}),
		)

		header := http.Header{"Origin": []string{"https://app.example.com"}}
		conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
		require.NoError(t, err)
		_ = conn.Close()
	})

	t.Run("development accepts any origin", func(t *testing.T) {
		ts := newTestServer(t, WithEnvironment("development"))

		header := http.Header{"Origin": []string{"https://anything.example.com"}}
		conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
		require.NoError(t, err)
		_ = conn.Close()
	})
}

func TestHubDropCleansSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	subscribe(t, conn, "req-1")
	waitForSubscribers(t, ts.hub, "req-1", 1)
	require.Equal(t, 1, ts.hub.ConnectionCount())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return ts.hub.ConnectionCount() == 0 && ts.hub.SubscriberCount("req-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubShutdown(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	subscribe(t, conn, "req-1")
	waitForSubscribers(t, ts.hub, "req-1", 1)

	ts.hub.Shutdown()

	// The open connection receives a close frame and then errors.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// New upgrade attempts are refused.
	resp, err := http.Get(ts.srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
