// Package hub manages live websocket connections, the subscription graph,
// heartbeats, broadcast delivery, and late-subscriber replay.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/okian/sidelink/internal/domain/model"
	"github.com/okian/sidelink/pkg/logger"
	"github.com/okian/sidelink/pkg/metrics"
)

// Default hub configuration constants.
const (
	defaultHeartbeatInterval = 30 * time.Second
	maxInboundMessageSize    = 4096
)

// TerminalReader exposes the stored terminal outcome used for replay.
type TerminalReader interface {
	Get(ctx context.Context, requestID string) (model.TerminalState, bool)
}

// Hub tracks live connections and their request subscriptions. Nothing in
// it may block the enrichment or primary pipelines: every delivery is
// fire-and-forget and a send to a dead connection is logged, never raised.
type Hub struct {
	mu          sync.RWMutex
	conns       map[string]*connection
	subscribers map[string]map[string]*connection // requestID -> connID -> conn
	closed      bool

	terminal          TerminalReader
	upgrader          websocket.Upgrader
	heartbeatInterval time.Duration
	environment       string
	allowedOrigins    []string

	logger logger.Logger
}

// Option applies a configuration option to the Hub.
type Option func(*Hub)

// WithHeartbeatInterval sets the liveness ping interval.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(h *Hub) {
		if interval > 0 {
			h.heartbeatInterval = interval
		}
	}
}

// WithEnvironment sets the deploy environment driving the origin policy.
func WithEnvironment(env string) Option {
	return func(h *Hub) {
		if env != "" {
			h.environment = env
		}
	}
}

// WithAllowedOrigins sets the production origin allow-list.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.allowedOrigins = origins
	}
}

// WithLogger sets a custom logger for the hub.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a hub that replays terminal states from terminal.
func New(terminal TerminalReader, opts ...Option) *Hub {
	h := &Hub{
		conns:             make(map[string]*connection),
		subscribers:       make(map[string]map[string]*connection),
		terminal:          terminal,
		heartbeatInterval: defaultHeartbeatInterval,
		environment:       "development",
		logger:            logger.Get().Named("hub"),
	}

	// Apply all options
	for _, opt := range opts {
		opt(h)
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.originAllowed,
	}

	return h
}

// originAllowed implements the environment policy: permissive outside
// production, allow-listed in production.
func (h *Hub) originAllowed(r *http.Request) bool {
	if !strings.EqualFold(h.environment, "production") {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// ServeHTTP accepts a websocket connection and registers it with an empty
// subscription set. The read loop runs on the handler goroutine.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (including origin denials).
		h.logger.Warn(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), ws)

	h.mu.Lock()
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()
	metrics.UpdateHubConnections(total)

	h.logger.Debug(r.Context(), "connection accepted",
		logger.String("connID", c.id),
		logger.Int("connections", total),
	)

	go c.writeLoop(h.heartbeatInterval)
	h.readLoop(r.Context(), c)
}

// readLoop consumes inbound messages until the connection dies. Two missed
// heartbeats expire the read deadline and land here as an error, which
// force-closes and purges the connection.
func (h *Hub) readLoop(ctx context.Context, c *connection) {
	defer h.drop(c)

	pongWait := 2 * h.heartbeatInterval
	c.ws.SetReadLimit(maxInboundMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(ctx, c, raw)
	}
}

// handleMessage parses and dispatches one inbound frame. Malformed input
// is logged and dropped; the connection stays open.
func (h *Hub) handleMessage(ctx context.Context, c *connection, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.RecordHubMalformedInbound()
		h.logger.Warn(ctx, "malformed inbound message dropped",
			logger.String("connID", c.id),
			logger.Error(err),
		)
		return
	}

	switch msg.Type {
	case messageTypeSubscribe:
		if msg.RequestID == "" {
			metrics.RecordHubMalformedInbound()
			h.logger.Warn(ctx, "subscribe without request_id dropped", logger.String("connID", c.id))
			return
		}
		h.Subscribe(ctx, c, msg.RequestID, msg.SessionID)
	case messageTypeUnsubscribe:
		if msg.RequestID == "" {
			metrics.RecordHubMalformedInbound()
			h.logger.Warn(ctx, "unsubscribe without request_id dropped", logger.String("connID", c.id))
			return
		}
		h.Unsubscribe(c, msg.RequestID)
	case messageTypePing:
		if payload, err := json.Marshal(pongMessage{Type: messageTypePong}); err == nil {
			if !c.enqueue(payload) {
				metrics.RecordHubSendError()
			}
		}
	default:
		metrics.RecordHubMalformedInbound()
		h.logger.Warn(ctx, "unknown inbound message type dropped",
			logger.String("connID", c.id),
			logger.String("type", msg.Type),
		)
	}
}

// Subscribe adds the bidirectional mapping between c and requestID. When a
// terminal state is already recorded for the request, its payload is sent
// to this connection alone before Subscribe returns; a late subscriber
// never has to wait for a broadcast that already happened.
//
// A completion landing concurrently with Subscribe can reach the
// connection both live and as replay, since the terminal write and its
// broadcast are separate operations on the caller's side. Terminal
// delivery is therefore at-least-once, never zero.
func (h *Hub) Subscribe(ctx context.Context, c *connection, requestID, sessionID string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	c.subscriptions[requestID] = struct{}{}
	set, ok := h.subscribers[requestID]
	if !ok {
		set = make(map[string]*connection)
		h.subscribers[requestID] = set
	}
	set[c.id] = c
	subs := h.subscriptionCountLocked()
	h.mu.Unlock()
	metrics.UpdateHubSubscriptions(subs)

	h.logger.Debug(ctx, "subscribed",
		logger.String("connID", c.id),
		logger.String("requestID", requestID),
		logger.String("sessionID", sessionID),
	)

	st, ok := h.terminal.Get(ctx, requestID)
	if !ok || !st.Status.Terminal() {
		return
	}
	payload, err := json.Marshal(st.Payload)
	if err != nil {
		h.logger.Error(ctx, "terminal payload marshal failed",
			logger.String("requestID", requestID),
			logger.Error(err),
		)
		return
	}
	if c.enqueue(payload) {
		metrics.RecordHubReplay()
	} else {
		metrics.RecordHubSendError()
	}
}

// Unsubscribe removes the mapping; absent mappings are a no-op.
func (h *Hub) Unsubscribe(c *connection, requestID string) {
	h.mu.Lock()
	delete(c.subscriptions, requestID)
	if set, ok := h.subscribers[requestID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.subscribers, requestID)
		}
	}
	subs := h.subscriptionCountLocked()
	h.mu.Unlock()
	metrics.UpdateHubSubscriptions(subs)
}

// Broadcast delivers message to every open connection subscribed to
// requestID. Zero subscribers is a silent no-op, never an error.
func (h *Hub) Broadcast(requestID string, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Error(context.Background(), "broadcast marshal failed",
			logger.String("requestID", requestID),
			logger.Error(err),
		)
		return
	}

	h.mu.RLock()
	set := h.subscribers[requestID]
	targets := make([]*connection, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(payload) {
			metrics.RecordHubBroadcast()
		} else {
			metrics.RecordHubSendError()
			h.logger.Debug(context.Background(), "broadcast dropped for connection",
				logger.String("connID", c.id),
				logger.String("requestID", requestID),
			)
		}
	}
}

// drop force-closes c and purges it from every subscription map.
func (h *Hub) drop(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for requestID := range c.subscriptions {
		if set, ok := h.subscribers[requestID]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.subscribers, requestID)
			}
		}
	}
	c.subscriptions = make(map[string]struct{})
	total := len(h.conns)
	subs := h.subscriptionCountLocked()
	h.mu.Unlock()

	c.close()
	metrics.UpdateHubConnections(total)
	metrics.UpdateHubSubscriptions(subs)
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberCount returns the number of live subscribers for requestID.
func (h *Hub) SubscriberCount(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[requestID])
}

// Shutdown refuses new connections, closes every open one with a normal
// close signal, and clears all maps.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*connection)
	h.subscribers = make(map[string]map[string]*connection)
	h.mu.Unlock()

	for _, c := range conns {
		// Closing the send queue makes the write loop emit the close frame.
		c.close()
	}
	metrics.UpdateHubConnections(0)
	metrics.UpdateHubSubscriptions(0)
}

// subscriptionCountLocked sums subscriptions; callers hold h.mu.
func (h *Hub) subscriptionCountLocked() int {
	total := 0
	for _, set := range h.subscribers {
		total += len(set)
	}
	return total
}
