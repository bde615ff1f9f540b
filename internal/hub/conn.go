package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/sidelink/pkg/metrics"
)

// Connection write constants.
const (
	writeWait     = 10 * time.Second
	sendQueueSize = 64
)

// connection is one live websocket subscriber. It is exclusively owned by
// the Hub; all writes go through the buffered send queue drained by a
// single writer goroutine, which preserves per-connection send order.
type connection struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// subscriptions is guarded by the hub's lock, not the connection's.
	subscriptions map[string]struct{}
}

func newConnection(id string, ws *websocket.Conn) *connection {
	return &connection{
		id:            id,
		ws:            ws,
		send:          make(chan []byte, sendQueueSize),
		subscriptions: make(map[string]struct{}),
	}
}

// enqueue hands a message to the writer goroutine without blocking. A full
// queue or a closed connection drops the message; delivery here is always
// fire-and-forget.
func (c *connection) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close is idempotent and safe against concurrent enqueues.
func (c *connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	_ = c.ws.Close()
}

// writeLoop drains the send queue and emits liveness pings. It exits when
// the queue closes or any write fails; a failed write also closes the
// socket so the read loop unblocks and the hub purges the connection.
func (c *connection) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the queue; say goodbye properly.
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				metrics.RecordHubSendError()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
