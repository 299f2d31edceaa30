package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/protocol"
)

// ErrClosed is returned when the relay has been shut down.
var ErrClosed = errors.New("relay: closed")

// Config holds relay settings.
type Config struct {
	// Addr is the host:port to listen on.
	Addr string

	// Path is the websocket endpoint. Default: "/"
	Path string

	// ClaimTTL bounds how long an unreleased claim blocks other workers.
	// Default: 10 minutes
	ClaimTTL time.Duration

	// WriteTimeout bounds each outbound frame write.
	// Default: 10 seconds
	WriteTimeout time.Duration

	// WatchLedger reloads the ledger file when it is edited externally.
	WatchLedger bool

	// WatchDebounce delays a reload after the last file event.
	// Default: 200 milliseconds
	WatchDebounce time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Addr:          "127.0.0.1:8765",
		Path:          "/",
		ClaimTTL:      10 * time.Minute,
		WriteTimeout:  10 * time.Second,
		WatchDebounce: 200 * time.Millisecond,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = d.ClaimTTL
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = d.WatchDebounce
	}
}

// Relay accepts worker connections and owns the authoritative ledger.
type Relay struct {
	cfg      Config
	store    ledger.Store
	logger   log.Logger
	upgrader websocket.Upgrader

	// mu guards everything below. Outbound messages are queued while it is
	// held so all clients observe updates in the same order.
	mu      sync.Mutex
	ledger  *ledger.Ledger
	clients map[*client]struct{}
	claims  *claimTable
	loaded  bool
	closed  bool

	server   *http.Server
	listener net.Listener
	watcher  *ledgerWatcher
	wg       sync.WaitGroup
}

// New creates a relay persisting through store.
func New(cfg Config, store ledger.Store, logger log.Logger) *Relay {
	cfg.setDefaults()
	return &Relay{
		cfg:    cfg,
		store:  store,
		logger: log.OrNoop(logger),
		upgrader: websocket.Upgrader{
			// Internal channel on a trusted network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ledger:  ledger.New(),
		clients: make(map[*client]struct{}),
		claims:  newClaimTable(cfg.ClaimTTL, time.Now),
	}
}

// Load reads the durable ledger into memory. It runs once; later calls are
// no-ops.
func (r *Relay) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	r.ledger = ledger.New(snap.Issues...)
	r.loaded = true
	r.logger.Info("ledger loaded", log.Int("issues", r.ledger.Len()))
	return nil
}

// Handler returns the HTTP handler serving the websocket endpoint and
// /healthz.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc(r.cfg.Path, r.handleConn)
	return mux
}

// Start loads the ledger, starts listening on cfg.Addr and serves in the
// background.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.Load(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Addr, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	r.listener = ln
	r.server = &http.Server{Handler: r.Handler(), ReadHeaderTimeout: 10 * time.Second}
	r.mu.Unlock()

	if r.cfg.WatchLedger {
		if fs, ok := r.store.(*ledger.FileStore); ok {
			w, err := newLedgerWatcher(fs.Path(), r.cfg.WatchDebounce, r.reloadFromStore, r.logger)
			if err != nil {
				r.logger.Warn("ledger watcher disabled", log.Err(err))
			} else {
				r.watcher = w
			}
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("relay server stopped", log.Err(err))
		}
	}()

	r.logger.Info("relay listening", log.String("addr", ln.Addr().String()))
	return nil
}

// Run starts the relay and blocks until ctx is canceled, then shuts down.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Addr returns the listening address, or "" before Start.
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Shutdown closes every client connection, then the listener.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	server := r.server
	r.mu.Unlock()

	for _, c := range clients {
		c.goodbye("relay shutting down")
	}

	if r.watcher != nil {
		r.watcher.close()
	}

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}
	r.wg.Wait()

	r.logger.Info("relay stopped", log.Int("clients_closed", len(clients)))
	return err
}

// Ledger returns a copy of the authoritative ledger.
func (r *Relay) Ledger() []ledger.IssueRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.Records()
}

// Clients returns the number of connected workers.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	status := struct {
		Clients int `json:"clients"`
		Issues  int `json:"issues"`
		Claims  int `json:"claims"`
	}{len(r.clients), r.ledger.Len(), r.claims.active()}
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (r *Relay) handleConn(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", log.Err(err), log.String("remote", req.RemoteAddr))
		return
	}

	c := newClient(uuid.NewString(), conn)
	if !r.register(c) {
		c.goodbye("relay shutting down")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c.writeLoop(r.cfg.WriteTimeout)
	}()

	r.readLoop(req.Context(), c)
	r.unregister(c)
}

// register adds c and queues the full ledger as its first message.
func (r *Relay) register(c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	msg, err := r.encodeLedgerLocked()
	if err != nil {
		r.logger.Error("encode ledger", log.Err(err))
		return false
	}
	r.clients[c] = struct{}{}
	c.enqueue(msg)

	r.logger.Info("worker connected",
		log.String("client", c.id),
		log.String("remote", c.remote),
		log.Int("clients", len(r.clients)),
	)
	return true
}

func (r *Relay) unregister(c *client) {
	r.mu.Lock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		close(c.out)
	}
	released := r.claims.releaseOwner(c.id)
	remaining := len(r.clients)
	r.mu.Unlock()

	c.close()
	r.logger.Info("worker disconnected",
		log.String("client", c.id),
		log.Int("claims_released", released),
		log.Int("clients", remaining),
	)
}

func (r *Relay) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn("worker read failed", log.String("client", c.id), log.Err(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			r.logger.Warn("dropping malformed message", log.String("client", c.id), log.Err(err))
			continue
		}
		r.handleMessage(ctx, c, env)
	}
}

func (r *Relay) handleMessage(ctx context.Context, c *client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		r.reply(c, protocol.Pong(env.Token))
	case protocol.TypePong:
	case protocol.TypeIssue:
		records, err := env.Issues()
		if err != nil {
			r.logger.Warn("dropping malformed issue update", log.String("client", c.id), log.Err(err))
			return
		}
		if err := r.mergeFrom(ctx, c, records); err != nil {
			r.logger.Error("merge issues", log.String("client", c.id), log.Err(err))
		}
	case protocol.TypeProcessPending, protocol.TypeProcessStart, protocol.TypeProcessEnd:
		p, err := env.Process()
		if err != nil {
			r.logger.Warn("dropping malformed claim message", log.String("client", c.id), log.Err(err))
			return
		}
		r.handleClaim(c, env, p)
	}
}

func (r *Relay) handleClaim(c *client, env protocol.Envelope, p protocol.Process) {
	r.mu.Lock()
	reply := protocol.Process{ID: p.ID, IsMigrated: r.ledger.IsMigrated(p.ID)}
	switch env.Type {
	case protocol.TypeProcessPending:
		if !reply.IsMigrated {
			reply.Granted = r.claims.tryClaim(p.ID, c.id)
			reply.IsPending = !reply.Granted
		}
	case protocol.TypeProcessStart:
		reply.Granted = r.claims.touch(p.ID, c.id)
		reply.IsPending = !reply.Granted
	case protocol.TypeProcessEnd:
		r.claims.release(p.ID, c.id)
	}
	r.mu.Unlock()

	r.logger.Debug("claim message",
		log.String("type", string(env.Type)),
		log.String("id", p.ID),
		log.String("client", c.id),
		log.Bool("granted", reply.Granted),
		log.Bool("pending", reply.IsPending),
	)

	// Notices without a token are fire-and-forget.
	if env.Type != protocol.TypeProcessPending && env.Token == "" {
		return
	}
	out, err := protocol.ProcessMessage(env.Type, reply)
	if err != nil {
		r.logger.Error("encode claim reply", log.Err(err))
		return
	}
	r.reply(c, out.WithToken(env.Token))
}

// mergeFrom merges records sent by c, releases c's claims on them, persists
// the delta and rebroadcasts the merged ledger to all clients.
func (r *Relay) mergeFrom(ctx context.Context, c *client, records []ledger.IssueRecord) error {
	valid := records[:0:0]
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			r.logger.Warn("skipping issue record", log.Err(err))
			continue
		}
		valid = append(valid, rec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := r.ledger.Merge(valid...)
	if c != nil {
		for _, rec := range valid {
			r.claims.release(rec.ID, c.id)
		}
	}
	r.broadcastLocked()

	if _, err := r.store.MergeAndPersist(ctx, valid); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	r.logger.Debug("issues merged", log.Int("received", len(records)), log.Int("changed", changed), log.Int("issues", r.ledger.Len()))
	return nil
}

// reloadFromStore merges external edits of the ledger file and rebroadcasts
// when anything changed.
func (r *Relay) reloadFromStore(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	snap, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	changed := r.ledger.Merge(snap.Issues...)
	if changed == 0 {
		return nil
	}

	r.logger.Info("ledger file changed externally", log.Int("changed", changed))
	r.broadcastLocked()
	_, err = r.store.MergeAndPersist(ctx, r.ledger.Records())
	return err
}

func (r *Relay) broadcastLocked() {
	msg, err := r.encodeLedgerLocked()
	if err != nil {
		r.logger.Error("encode ledger", log.Err(err))
		return
	}
	for c := range r.clients {
		if !c.enqueue(msg) {
			r.logger.Warn("worker too slow, disconnecting", log.String("client", c.id))
		}
	}
}

func (r *Relay) reply(c *client, env protocol.Envelope) {
	msg, err := protocol.Encode(env)
	if err != nil {
		r.logger.Error("encode reply", log.Err(err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; ok {
		c.enqueue(msg)
	}
}

func (r *Relay) encodeLedgerLocked() ([]byte, error) {
	env, err := protocol.IssueMessage(r.ledger.Records())
	if err != nil {
		return nil, err
	}
	return protocol.Encode(env)
}
