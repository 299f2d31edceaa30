package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/protocol"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/relay"
)

// fakeRelay accepts connections, sends an empty ledger, and answers pings
// unless silent. Tests drop connections by closing the server side.
type fakeRelay struct {
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	pings    atomic.Int32
	silent   atomic.Bool
}

func newFakeRelay(t *testing.T) (*fakeRelay, string) {
	t.Helper()
	f := &fakeRelay{conns: make(chan *websocket.Conn, 16)}
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	return f, "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	hello, _ := protocol.IssueMessage(nil)
	data, _ := protocol.Encode(hello)
	_ = ws.WriteMessage(websocket.TextMessage, data)
	f.conns <- ws

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil || env.Type != protocol.TypePing {
			continue
		}
		f.pings.Add(1)
		if f.silent.Load() {
			continue
		}
		pong, _ := protocol.Encode(protocol.Pong(env.Token))
		_ = ws.WriteMessage(websocket.TextMessage, pong)
	}
}

func (f *fakeRelay) nextConn(t *testing.T, within time.Duration) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-f.conns:
		return ws
	case <-time.After(within):
		t.Fatalf("no connection within %v", within)
		return nil
	}
}

type recordingListener struct {
	mu          sync.Mutex
	messages    []protocol.Envelope
	disconnects int
	causes      []error
}

func (l *recordingListener) OnMessage(env protocol.Envelope) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, env)
	return false
}

func (l *recordingListener) OnDisconnect(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	l.causes = append(l.causes, cause)
}

func (l *recordingListener) Causes() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.causes...)
}

func (l *recordingListener) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

func (m *Manager) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		HeartbeatInterval: 20 * time.Millisecond,
		ReconnectDelay:    100 * time.Millisecond,
		DialTimeout:       time.Second,
		WriteTimeout:      time.Second,
		PongTimeout:       time.Second,
	}
}

func TestManager_LazyConnectIsSingleton(t *testing.T) {
	f, url := newFakeRelay(t)
	m := New(testConfig(url), nil)
	defer m.Close()

	assert.False(t, m.Connected())
	assert.Equal(t, 0, m.dialCount())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Connect(context.Background()))
		}()
	}
	wg.Wait()

	f.nextConn(t, time.Second)
	assert.True(t, m.Connected())
	assert.Equal(t, 1, m.dialCount())
}

func TestManager_HeartbeatSendsPing(t *testing.T) {
	f, url := newFakeRelay(t)
	m := New(testConfig(url), nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.pings.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	f, url := newFakeRelay(t)
	cfg := testConfig(url)
	m := New(cfg, nil)
	defer m.Close()

	listener := &recordingListener{}
	m.AddListener(listener)

	require.NoError(t, m.Connect(context.Background()))
	first := f.nextConn(t, time.Second)

	dropped := time.Now()
	require.NoError(t, first.Close())

	second := f.nextConn(t, 2*time.Second)
	require.NotNil(t, second)
	assert.GreaterOrEqual(t, time.Since(dropped), cfg.ReconnectDelay-10*time.Millisecond)
	assert.Less(t, time.Since(dropped), cfg.ReconnectDelay+time.Second)

	require.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, listener.Disconnects())

	before := f.pings.Load()
	require.Eventually(t, func() bool { return f.pings.Load() > before+1 }, 2*time.Second, 10*time.Millisecond,
		"heartbeat must resume on the new connection")
}

func TestManager_PongTimeoutClosesAndReconnects(t *testing.T) {
	f, url := newFakeRelay(t)
	f.silent.Store(true)

	cfg := testConfig(url)
	cfg.PongTimeout = 60 * time.Millisecond
	m := New(cfg, nil)
	defer m.Close()

	listener := &recordingListener{}
	m.AddListener(listener)

	require.NoError(t, m.Connect(context.Background()))
	f.nextConn(t, time.Second)

	f.nextConn(t, 2*time.Second)
	assert.Equal(t, 1, listener.Disconnects())
	assert.Equal(t, 2, m.dialCount())
	assert.Positive(t, f.pings.Load())
}

func TestManager_DisconnectNamesSession(t *testing.T) {
	f, url := newFakeRelay(t)
	m := New(testConfig(url), nil)
	defer m.Close()

	listener := &recordingListener{}
	m.AddListener(listener)

	first, err := m.SendTracked(context.Background(), protocol.Ping())
	require.NoError(t, err)
	require.NoError(t, f.nextConn(t, time.Second).Close())

	f.nextConn(t, 2*time.Second)
	require.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)
	second, err := m.SendTracked(context.Background(), protocol.Ping())
	require.NoError(t, err)
	assert.Greater(t, second, first)

	causes := listener.Causes()
	require.Len(t, causes, 1)
	var lost *DisconnectError
	require.ErrorAs(t, causes[0], &lost)
	assert.Equal(t, first, lost.Session)
}

func TestManager_RepeatedDropEventsScheduleOneReconnect(t *testing.T) {
	f, url := newFakeRelay(t)
	m := New(testConfig(url), nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	first := f.nextConn(t, time.Second)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return !m.Connected() }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		m.scheduleReconnect()
	}

	f.nextConn(t, 2*time.Second)
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 2, m.dialCount())
	select {
	case <-f.conns:
		t.Fatal("duplicate reconnect")
	default:
	}
}

func TestManager_DialFailureSchedulesReconnect(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	ts.Close()

	m := New(testConfig(url), nil)
	defer m.Close()

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	m.mu.Lock()
	pending := m.reconnect != nil
	m.mu.Unlock()
	assert.True(t, pending)
}

func TestManager_CloseDisablesReconnect(t *testing.T) {
	f, url := newFakeRelay(t)
	listener := &recordingListener{}
	m := New(testConfig(url), nil)
	m.AddListener(listener)

	require.NoError(t, m.Connect(context.Background()))
	f.nextConn(t, time.Second)

	require.NoError(t, m.Close())
	require.Eventually(t, func() bool { return listener.Disconnects() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, m.dialCount())
	assert.ErrorIs(t, m.Send(context.Background(), protocol.Ping()), ErrShutdown)
	assert.ErrorIs(t, m.Connect(context.Background()), ErrShutdown)

	var lost *DisconnectError
	require.ErrorAs(t, listener.Causes()[0], &lost)
	assert.ErrorIs(t, lost, ErrShutdown)
}

func TestManager_SubscribeAfterClose(t *testing.T) {
	m := New(testConfig("ws://127.0.0.1:1/"), nil)
	require.NoError(t, m.Close())

	updates, cancel := m.Subscribe()
	defer cancel()

	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription after close must be closed")
	}
}

func TestManager_MirrorFollowsRelayBroadcasts(t *testing.T) {
	store := ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger.json"))
	_, err := store.MergeAndPersist(context.Background(), []ledger.IssueRecord{{ID: "100", IsMigrated: true}})
	require.NoError(t, err)

	r := relay.New(relay.DefaultConfig(), store, nil)
	require.NoError(t, r.Load(context.Background()))
	ts := httptest.NewServer(r.Handler())
	defer ts.Close()
	defer r.Shutdown(context.Background())

	m := New(testConfig("ws"+strings.TrimPrefix(ts.URL, "http")+"/"), nil)
	defer m.Close()

	updates, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := m.Lookup("100")
		return ok
	}, time.Second, 5*time.Millisecond, "full ledger must arrive on connect")

	msg, err := protocol.IssueMessage([]ledger.IssueRecord{{ID: "101", IsError: true}})
	require.NoError(t, err)
	require.NoError(t, m.Send(context.Background(), msg))

	require.Eventually(t, func() bool { return m.Ledger().Len() == 2 }, time.Second, 5*time.Millisecond)

	var last []ledger.IssueRecord
	require.Eventually(t, func() bool {
		select {
		case last = <-updates:
		default:
		}
		return len(last) == 2
	}, time.Second, 5*time.Millisecond)

	// Copies handed out are independent of the mirror.
	copyOf := m.Ledger()
	copyOf.Merge(ledger.IssueRecord{ID: "zzz"})
	_, ok := m.Lookup("zzz")
	assert.False(t, ok)
}
