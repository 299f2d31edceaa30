package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/protocol"
)

// Dispatch errors.
var (
	ErrDispatchTimeout = errors.New("correlation: dispatch timed out")
	ErrConnectionLost  = errors.New("correlation: connection lost")
	ErrClientClosed    = errors.New("correlation: client closed")
)

// DefaultTimeout bounds a dispatch whose context has no deadline.
const DefaultTimeout = 30 * time.Second

// Sender writes one envelope to the shared channel.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// TrackedSender is a Sender that reports which connection carried each
// envelope. With one, a disconnect fails only dispatches sent on the lost
// connection.
type TrackedSender interface {
	Sender
	SendTracked(ctx context.Context, env protocol.Envelope) (uint64, error)
}

// lostSession is implemented by disconnect causes that name the connection
// that ended.
type lostSession interface {
	LostSession() uint64
}

// Matcher decides whether an inbound message answers a particular dispatch
// when the type alone is ambiguous.
type Matcher func(protocol.Envelope) bool

// MatchProcessID accepts PROCESS_* replies about id.
func MatchProcessID(id string) Matcher {
	return func(env protocol.Envelope) bool {
		p, err := env.Process()
		return err == nil && p.ID == id
	}
}

type result struct {
	env protocol.Envelope
	err error
}

type waiter struct {
	token   string
	typ     protocol.Type
	match   Matcher
	done    chan result
	session uint64 // 0 until the send completes
}

// Client correlates dispatched requests with inbound replies.
type Client struct {
	sender   Sender
	timeout  time.Duration
	logger   log.Logger
	newToken func() string

	mu      sync.Mutex
	pending map[string]*waiter
	closed  bool
	lost    uint64 // highest session reported lost
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the default dispatch timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l log.Logger) Option {
	return func(c *Client) { c.logger = log.OrNoop(l) }
}

// WithTokenGenerator replaces the uuid token source.
func WithTokenGenerator(fn func() string) Option {
	return func(c *Client) { c.newToken = fn }
}

// New creates a client sending through sender. Inbound messages must be fed
// to OnMessage and connection loss to OnDisconnect.
func New(sender Sender, opts ...Option) *Client {
	c := &Client{
		sender:   sender,
		timeout:  DefaultTimeout,
		logger:   log.NoopLogger{},
		newToken: uuid.NewString,
		pending:  make(map[string]*waiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch sends req and waits for the reply of the same type that carries
// its token, or, for token-less replies, satisfies match (nil accepts any).
func (c *Client) Dispatch(ctx context.Context, req protocol.Envelope, match Matcher) (protocol.Envelope, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req.Token = c.newToken()
	w := &waiter{
		token: req.Token,
		typ:   req.Type,
		match: match,
		done:  make(chan result, 1),
	}

	// Register before sending so a fast reply is never missed.
	if err := c.register(w); err != nil {
		return protocol.Envelope{}, err
	}

	if err := c.send(ctx, w, req); err != nil {
		c.remove(w.token)
		return protocol.Envelope{}, fmt.Errorf("dispatch %s: %w", req.Type, err)
	}

	select {
	case res := <-w.done:
		return res.env, res.err
	case <-ctx.Done():
		c.remove(w.token)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Envelope{}, fmt.Errorf("%w: %s", ErrDispatchTimeout, req.Type)
		}
		return protocol.Envelope{}, ctx.Err()
	}
}

// send writes req and records the session it went out on. Sessions are
// numbered in dial order and only the newest can be live, so a session at or
// below the highest lost one is already gone.
func (c *Client) send(ctx context.Context, w *waiter, req protocol.Envelope) error {
	ts, ok := c.sender.(TrackedSender)
	if !ok {
		return c.sender.Send(ctx, req)
	}
	id, err := ts.SendTracked(ctx, req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, pending := c.pending[w.token]; !pending {
		return nil
	}
	w.session = id
	if id <= c.lost {
		c.resolveLocked(w, result{err: fmt.Errorf("%w: connection %d", ErrConnectionLost, id)})
	}
	return nil
}

// Notify sends env without waiting for a reply.
func (c *Client) Notify(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	if err := c.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("notify %s: %w", env.Type, err)
	}
	return nil
}

// OnMessage resolves the waiters env answers. It reports whether any
// waiter was resolved.
func (c *Client) OnMessage(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Token != "" {
		w, ok := c.pending[env.Token]
		if !ok {
			return false
		}
		if w.typ != env.Type || (w.match != nil && !w.match(env)) {
			c.logger.Warn("reply token matched a dispatch of another shape",
				log.String("type", string(env.Type)),
				log.String("want", string(w.typ)),
			)
			return false
		}
		c.resolveLocked(w, result{env: env})
		return true
	}

	var hits []*waiter
	for _, w := range c.pending {
		if w.typ != env.Type {
			continue
		}
		if w.match == nil || w.match(env) {
			hits = append(hits, w)
		}
	}
	for _, w := range hits {
		c.resolveLocked(w, result{env: env})
	}
	return len(hits) > 0
}

// OnDisconnect fails in-flight dispatches. When cause names the lost
// connection, dispatches already sent on a newer one are left waiting.
func (c *Client) OnDisconnect(cause error) {
	err := ErrConnectionLost
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}

	var lost lostSession
	if !errors.As(cause, &lost) {
		c.failAll(err)
		return
	}

	id := lost.LostSession()
	c.mu.Lock()
	defer c.mu.Unlock()
	if id > c.lost {
		c.lost = id
	}
	for _, w := range c.pending {
		if w.session != 0 && w.session <= id {
			c.resolveLocked(w, result{err: err})
		}
	}
}

// Close fails in-flight dispatches and rejects new ones.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.failAll(ErrClientClosed)
}

// Pending returns the number of in-flight dispatches.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) register(w *waiter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.pending[w.token] = w
	return nil
}

func (c *Client) remove(token string) {
	c.mu.Lock()
	delete(c.pending, token)
	c.mu.Unlock()
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.pending {
		c.resolveLocked(w, result{err: err})
	}
}

// resolveLocked delivers res once; removal under mu guarantees a single
// delivery per waiter.
func (c *Client) resolveLocked(w *waiter, res result) {
	delete(c.pending, w.token)
	w.done <- res
}
