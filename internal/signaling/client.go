package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one WebSocket connection. It implements presence.Conn.
type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	log    *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *client) ID() string     { return c.id }
func (c *client) UserID() string { return c.userID }

// Send queues b for the write pump. A full buffer means the peer is not
// reading; the connection is dropped rather than letting it stall fan-out.
func (c *client) Send(b []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- b:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	c.log.Warn("slow client dropped")
	c.Close()
	return false
}

// Close is idempotent.
func (c *client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

// writePump owns all writes to the socket: queued frames and pings.
func (c *client) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Info("ws write failed", "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
