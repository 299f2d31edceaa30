package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const outboundBuffer = 64

// client is one worker connection. Messages are queued on out by the relay
// under Relay.mu and written by writeLoop, so every client sees broadcasts
// in merge order.
type client struct {
	id     string
	remote string
	conn   *websocket.Conn
	out    chan []byte

	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:     id,
		remote: conn.RemoteAddr().String(),
		conn:   conn,
		out:    make(chan []byte, outboundBuffer),
	}
}

// enqueue queues msg without blocking. A client whose queue is full is
// disconnected. Callers hold Relay.mu.
func (c *client) enqueue(msg []byte) bool {
	select {
	case c.out <- msg:
		return true
	default:
		c.close()
		return false
	}
}

func (c *client) writeLoop(writeTimeout time.Duration) {
	for msg := range c.out {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.close()
			return
		}
	}
}

// goodbye sends a close frame and tears the connection down.
func (c *client) goodbye(reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), deadline)
	c.close()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
