package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/protocol"
)

// Connection errors.
var (
	ErrShutdown     = errors.New("conn: manager shut down")
	ErrNotConnected = errors.New("conn: not connected")
)

// DisconnectError is the cause passed to listeners when a connection ends.
// Session numbers increase with every successful dial.
type DisconnectError struct {
	Session uint64
	Err     error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("connection %d: %v", e.Session, e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// LostSession returns the number of the connection that ended.
func (e *DisconnectError) LostSession() uint64 { return e.Session }

// Config holds connection settings.
type Config struct {
	// URL is the relay websocket endpoint, e.g. ws://127.0.0.1:8765/.
	URL string

	// HeartbeatInterval is the PING period while connected.
	// Default: 15 seconds
	HeartbeatInterval time.Duration

	// ReconnectDelay is the fixed wait before reconnecting after a drop.
	// Default: 5 seconds
	ReconnectDelay time.Duration

	// DialTimeout bounds the websocket handshake.
	// Default: 10 seconds
	DialTimeout time.Duration

	// WriteTimeout bounds each outbound frame write.
	// Default: 10 seconds
	WriteTimeout time.Duration

	// PongTimeout closes a connection that has not answered a PING in this
	// long. Default: three heartbeat intervals
	PongTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://127.0.0.1:8765/",
		HeartbeatInterval: 15 * time.Second,
		ReconnectDelay:    5 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 3 * c.HeartbeatInterval
	}
}

// Listener receives inbound messages and disconnect notifications. Calls
// arrive from the connection's read goroutine.
type Listener interface {
	OnMessage(env protocol.Envelope) bool
	OnDisconnect(cause error)
}

// Manager owns one live connection to the relay.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	logger log.Logger

	dialMu sync.Mutex

	mu        sync.Mutex
	sess      *session
	shutdown  bool
	reconnect *time.Timer
	listeners []Listener
	dials     int
	seq       uint64

	mirror *mirror
}

// New creates a Manager. No connection is made until first use.
func New(cfg Config, logger log.Logger) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: log.OrNoop(logger),
		mirror: newMirror(),
	}
}

// AddListener registers l for inbound messages and disconnects.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Connect returns once a live connection exists, dialing if needed.
func (m *Manager) Connect(ctx context.Context) error {
	_, err := m.connection(ctx)
	return err
}

// Connected reports whether a live connection exists.
func (m *Manager) Connected() bool {
	return m.current() != nil
}

// Send writes env on the live connection, connecting lazily.
func (m *Manager) Send(ctx context.Context, env protocol.Envelope) error {
	_, err := m.SendTracked(ctx, env)
	return err
}

// SendTracked is Send that also returns the session number env was written
// on, matching DisconnectError.Session.
func (m *Manager) SendTracked(ctx context.Context, env protocol.Envelope) (uint64, error) {
	data, err := protocol.Encode(env)
	if err != nil {
		return 0, err
	}
	s, err := m.connection(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.write(data, m.cfg.WriteTimeout); err != nil {
		// The read loop observes the close and runs the reconnect path.
		s.close()
		return 0, fmt.Errorf("send %s: %w", env.Type, err)
	}
	return s.id, nil
}

// Close shuts the connection down and permanently disables reconnects.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	s := m.sess
	m.mu.Unlock()

	if s != nil {
		s.goodbye()
	}
	m.mirror.closeSubscribers()
	return nil
}

// Ledger returns a copy of the mirrored ledger.
func (m *Manager) Ledger() *ledger.Ledger {
	return m.mirror.snapshot()
}

// Lookup returns the mirrored record for id.
func (m *Manager) Lookup(id string) (ledger.IssueRecord, bool) {
	return m.mirror.get(id)
}

// Subscribe returns a channel receiving the mirror after every broadcast.
// Slow subscribers only see the newest snapshot. Call cancel to stop. The
// channel is closed by Close, or returned closed once Close has run.
func (m *Manager) Subscribe() (<-chan []ledger.IssueRecord, func()) {
	return m.mirror.subscribe()
}

func (m *Manager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && m.sess.alive() {
		return m.sess
	}
	return nil
}

// connection returns the live session, dialing one if absent or closed.
func (m *Manager) connection(ctx context.Context) (*session, error) {
	if s := m.current(); s != nil {
		return s, nil
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	if s := m.current(); s != nil {
		return s, nil
	}
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	m.dials++
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	ws, _, err := m.dialer.DialContext(dialCtx, m.cfg.URL, nil)
	if err != nil {
		m.logger.Warn("relay dial failed", log.String("url", m.cfg.URL), log.Err(err))
		m.scheduleReconnect()
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	s := newSession(ws)
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		s.goodbye()
		return nil, ErrShutdown
	}
	m.seq++
	s.id = m.seq
	m.sess = s
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.mu.Unlock()

	m.logger.Info("connected to relay", log.String("url", m.cfg.URL))

	go m.readLoop(s)
	go m.heartbeat(s)
	return s, nil
}

func (m *Manager) readLoop(s *session) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			m.handleClose(s, err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("dropping malformed message", log.Err(err))
			continue
		}

		switch env.Type {
		case protocol.TypePong:
			s.touch()
		case protocol.TypeIssue:
			records, err := env.Issues()
			if err != nil {
				m.logger.Warn("dropping malformed issue broadcast", log.Err(err))
				continue
			}
			m.mirror.replace(records)
		}

		for _, l := range m.snapshotListeners() {
			l.OnMessage(env)
		}
	}
}

func (m *Manager) handleClose(s *session, cause error) {
	s.close()

	m.mu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	shutdown := m.shutdown
	m.mu.Unlock()

	if shutdown {
		cause = ErrShutdown
		m.logger.Info("relay connection closed")
	} else {
		m.logger.Warn("relay connection lost", log.Err(cause))
	}

	lost := &DisconnectError{Session: s.id, Err: cause}
	for _, l := range m.snapshotListeners() {
		l.OnDisconnect(lost)
	}

	if !shutdown {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms a single reconnect timer; repeated drop events
// while one is pending are absorbed.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown || m.reconnect != nil {
		return
	}

	m.logger.Info("reconnect scheduled", log.Duration("delay", m.cfg.ReconnectDelay))
	m.reconnect = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		m.reconnect = nil
		m.mu.Unlock()

		if _, err := m.connection(context.Background()); err != nil && !errors.Is(err, ErrShutdown) {
			m.logger.Warn("reconnect failed", log.Err(err))
		}
	})
}

// heartbeat pings while s is the live session and closes it when the relay
// stops answering.
func (m *Manager) heartbeat(s *session) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		if m.current() != s {
			return
		}
		if since := s.sincePong(); since > m.cfg.PongTimeout {
			m.logger.Warn("relay stopped answering pings", log.Duration("since_pong", since))
			s.close()
			return
		}

		data, err := protocol.Encode(protocol.Ping())
		if err != nil {
			return
		}
		if err := s.write(data, m.cfg.WriteTimeout); err != nil {
			m.logger.Warn("heartbeat failed", log.Err(err))
			s.close()
			return
		}
	}
}

func (m *Manager) snapshotListeners() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Listener(nil), m.listeners...)
}
