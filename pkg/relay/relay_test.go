package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/protocol"
)

func newTestRelay(t *testing.T, seed ...ledger.IssueRecord) (*Relay, *ledger.FileStore, string) {
	t.Helper()
	store := ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger.json"))
	if len(seed) > 0 {
		_, err := store.MergeAndPersist(context.Background(), seed)
		require.NoError(t, err)
	}

	r := New(DefaultConfig(), store, nil)
	require.NoError(t, r.Load(context.Background()))

	ts := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		_ = r.Shutdown(context.Background())
		ts.Close()
	})
	return r, store, "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
}

// worker is a raw websocket peer. It consumes the initial ledger on dial.
type worker struct {
	t     *testing.T
	ws    *websocket.Conn
	hello []ledger.IssueRecord
}

func dialWorker(t *testing.T, url string) *worker {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	w := &worker{t: t, ws: ws}
	env := w.read(time.Second)
	require.Equal(t, protocol.TypeIssue, env.Type, "first message is the full ledger")
	w.hello, err = env.Issues()
	require.NoError(t, err)
	return w
}

func (w *worker) send(env protocol.Envelope) {
	w.t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(w.t, err)
	require.NoError(w.t, w.ws.WriteMessage(websocket.TextMessage, data))
}

func (w *worker) read(within time.Duration) protocol.Envelope {
	w.t.Helper()
	require.NoError(w.t, w.ws.SetReadDeadline(time.Now().Add(within)))
	_, data, err := w.ws.ReadMessage()
	require.NoError(w.t, err)
	env, err := protocol.Decode(data)
	require.NoError(w.t, err)
	return env
}

// quiet asserts nothing arrives within d. The connection is unusable
// afterwards if it timed out, so call it last.
func (w *worker) quiet(d time.Duration) {
	w.t.Helper()
	require.NoError(w.t, w.ws.SetReadDeadline(time.Now().Add(d)))
	_, data, err := w.ws.ReadMessage()
	assert.Error(w.t, err, "unexpected message: %s", data)
}

func (w *worker) claim(id, token string) protocol.Process {
	w.t.Helper()
	req, err := protocol.PendingRequest(id)
	require.NoError(w.t, err)
	w.send(req.WithToken(token))

	env := w.read(time.Second)
	require.Equal(w.t, protocol.TypeProcessPending, env.Type)
	require.Equal(w.t, token, env.Token)
	p, err := env.Process()
	require.NoError(w.t, err)
	return p
}

func TestRelay_SendsFullLedgerOnConnect(t *testing.T) {
	_, _, url := newTestRelay(t,
		ledger.IssueRecord{ID: "100", IsMigrated: true},
		ledger.IssueRecord{ID: "101", IsError: true},
	)

	w := dialWorker(t, url)
	assert.Equal(t, []ledger.IssueRecord{
		{ID: "100", IsMigrated: true},
		{ID: "101", IsError: true},
	}, w.hello)
}

func TestRelay_EmptyLedgerOnConnect(t *testing.T) {
	_, _, url := newTestRelay(t)
	w := dialWorker(t, url)
	assert.Empty(t, w.hello)
}

func TestRelay_IssueMergeBroadcastsToAllAndPersists(t *testing.T) {
	r, store, url := newTestRelay(t, ledger.IssueRecord{ID: "100", IsMigrated: true})
	a := dialWorker(t, url)
	b := dialWorker(t, url)
	require.Eventually(t, func() bool { return r.Clients() == 2 }, time.Second, 5*time.Millisecond)

	msg, err := protocol.IssueMessage([]ledger.IssueRecord{{ID: "101", IssueID: "T-1", IsMigrated: true}})
	require.NoError(t, err)
	a.send(msg)

	want := []ledger.IssueRecord{
		{ID: "100", IsMigrated: true},
		{ID: "101", IssueID: "T-1", IsMigrated: true},
	}
	for _, w := range []*worker{a, b} {
		env := w.read(time.Second)
		require.Equal(t, protocol.TypeIssue, env.Type)
		got, err := env.Issues()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, snap.Issues)
	assert.Equal(t, want, r.Ledger())
}

func TestRelay_BroadcastOrderIsIdenticalForAllClients(t *testing.T) {
	r, _, url := newTestRelay(t)
	a := dialWorker(t, url)
	b := dialWorker(t, url)
	require.Eventually(t, func() bool { return r.Clients() == 2 }, time.Second, 5*time.Millisecond)

	ids := []string{"1", "2", "3", "4", "5"}
	for i, id := range ids {
		msg, err := protocol.IssueMessage([]ledger.IssueRecord{{ID: id, IsMigrated: true}})
		require.NoError(t, err)
		if i%2 == 0 {
			a.send(msg)
		} else {
			b.send(msg)
		}
	}

	sizes := func(w *worker) []int {
		var out []int
		for len(out) == 0 || out[len(out)-1] < len(ids) {
			got, err := w.read(time.Second).Issues()
			require.NoError(t, err)
			out = append(out, len(got))
		}
		return out
	}
	assert.Equal(t, sizes(a), sizes(b))
}

func TestRelay_PingIsAnsweredToSenderOnly(t *testing.T) {
	r, _, url := newTestRelay(t)
	a := dialWorker(t, url)
	b := dialWorker(t, url)
	require.Eventually(t, func() bool { return r.Clients() == 2 }, time.Second, 5*time.Millisecond)

	a.send(protocol.Ping().WithToken("tok-1"))

	pong := a.read(time.Second)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, "tok-1", pong.Token)
	b.quiet(150 * time.Millisecond)
}

func TestRelay_ClaimIsExclusive(t *testing.T) {
	_, _, url := newTestRelay(t)
	a := dialWorker(t, url)
	b := dialWorker(t, url)

	got := a.claim("5", "a1")
	assert.True(t, got.Granted)
	assert.False(t, got.IsPending)

	got = b.claim("5", "b1")
	assert.False(t, got.Granted)
	assert.True(t, got.IsPending)

	// Re-claiming by the owner refreshes rather than conflicts.
	got = a.claim("5", "a2")
	assert.True(t, got.Granted)

	end, err := protocol.EndNotice("5")
	require.NoError(t, err)
	a.send(end.WithToken("a3"))
	ack := a.read(time.Second)
	assert.Equal(t, protocol.TypeProcessEnd, ack.Type)
	assert.Equal(t, "a3", ack.Token)

	got = b.claim("5", "b2")
	assert.True(t, got.Granted)
}

func TestRelay_ClaimOnMigratedIDIsRefused(t *testing.T) {
	_, _, url := newTestRelay(t, ledger.IssueRecord{ID: "100", IsMigrated: true})
	w := dialWorker(t, url)

	got := w.claim("100", "t")
	assert.True(t, got.IsMigrated)
	assert.False(t, got.Granted)
	assert.False(t, got.IsPending)
}

func TestRelay_DisconnectReleasesClaims(t *testing.T) {
	r, _, url := newTestRelay(t)
	a := dialWorker(t, url)
	b := dialWorker(t, url)

	require.True(t, a.claim("9", "a").Granted)
	require.NoError(t, a.ws.Close())
	require.Eventually(t, func() bool { return r.Clients() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, b.claim("9", "b").Granted)
}

func TestRelay_IssueFromOwnerReleasesClaim(t *testing.T) {
	_, _, url := newTestRelay(t)
	a := dialWorker(t, url)
	b := dialWorker(t, url)

	require.True(t, a.claim("7", "a").Granted)

	msg, err := protocol.IssueMessage([]ledger.IssueRecord{{ID: "7", IsError: true}})
	require.NoError(t, err)
	a.send(msg)
	// The broadcast is queued after the release.
	assert.Equal(t, protocol.TypeIssue, b.read(time.Second).Type)

	assert.True(t, b.claim("7", "b").Granted)
}

func TestRelay_StartNoticeWithoutTokenIsSilent(t *testing.T) {
	_, _, url := newTestRelay(t)
	w := dialWorker(t, url)

	start, err := protocol.StartNotice("3")
	require.NoError(t, err)
	w.send(start)
	w.quiet(150 * time.Millisecond)
}

func TestRelay_MalformedMessagesKeepConnectionOpen(t *testing.T) {
	_, _, url := newTestRelay(t)
	w := dialWorker(t, url)

	require.NoError(t, w.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, w.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"EXPLODE"}`)))
	require.NoError(t, w.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ISSUE","data":{"issues":"nope"}}`)))
	require.NoError(t, w.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"PROCESS_PENDING","data":{"process":{}}}`)))

	w.send(protocol.Ping().WithToken("still-here"))
	pong := w.read(time.Second)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, "still-here", pong.Token)
}

func TestRelay_RecordsWithoutIDAreSkipped(t *testing.T) {
	r, _, url := newTestRelay(t)
	w := dialWorker(t, url)

	msg, err := protocol.IssueMessage([]ledger.IssueRecord{{ID: ""}, {ID: "1", IsMigrated: true}})
	require.NoError(t, err)
	w.send(msg)

	got, err := w.read(time.Second).Issues()
	require.NoError(t, err)
	assert.Equal(t, []ledger.IssueRecord{{ID: "1", IsMigrated: true}}, got)
	assert.Len(t, r.Ledger(), 1)
}

func TestRelay_ShutdownSaysGoodbye(t *testing.T) {
	r, _, url := newTestRelay(t)
	w := dialWorker(t, url)

	require.NoError(t, r.Shutdown(context.Background()))

	require.NoError(t, w.ws.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := w.ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	// Idempotent.
	assert.NoError(t, r.Shutdown(context.Background()))
}

func TestRelay_Healthz(t *testing.T) {
	r, _, url := newTestRelay(t, ledger.IssueRecord{ID: "1"})
	dialWorker(t, url)
	require.Eventually(t, func() bool { return r.Clients() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http" + strings.TrimPrefix(strings.TrimSuffix(url, "/"), "ws") + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, map[string]int{"clients": 1, "issues": 1, "claims": 0}, status)
}

func TestRelay_StartServesAndWatchesLedgerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	store := ledger.NewFileStore(path)

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.WatchLedger = true
	cfg.WatchDebounce = 20 * time.Millisecond
	r := New(cfg, store, nil)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	require.NotEmpty(t, r.Addr())

	w := dialWorker(t, "ws://"+r.Addr()+"/")
	assert.Empty(t, w.hello)

	// An operator edits the file by hand.
	editor := ledger.NewFileStore(path)
	_, err := editor.MergeAndPersist(context.Background(), []ledger.IssueRecord{{ID: "42", IsMigrated: true}})
	require.NoError(t, err)

	env := w.read(2 * time.Second)
	require.Equal(t, protocol.TypeIssue, env.Type)
	got, err := env.Issues()
	require.NoError(t, err)
	assert.Equal(t, []ledger.IssueRecord{{ID: "42", IsMigrated: true}}, got)
	assert.Equal(t, got, r.Ledger())
}

func TestRelay_StartAfterShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	r := New(cfg, ledger.NewFileStore(filepath.Join(t.TempDir(), "l.json")), nil)
	require.NoError(t, r.Shutdown(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrClosed)
}
