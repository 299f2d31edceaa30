package conn

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// session is one websocket connection. Writes are serialized; close is
// idempotent and closes done.
type session struct {
	id   uint64
	ws   *websocket.Conn
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu       sync.Mutex
	lastPong time.Time
}

func newSession(ws *websocket.Conn) *session {
	return &session{
		ws:       ws,
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}
}

func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *session) write(data []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(timeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

func (s *session) sincePong() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastPong)
}

func (s *session) goodbye() {
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker shutting down"),
		time.Now().Add(time.Second))
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}
