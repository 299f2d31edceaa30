package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
)

// Common lifecycle errors.
var (
	ErrNotRunning        = errors.New("not running")
	ErrAlreadyRunning    = errors.New("already running")
	ErrShutdownTimeout   = errors.New("shutdown timeout")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ShutdownTimeout is the default maximum time to wait for graceful shutdown.
const ShutdownTimeout = 30 * time.Second

// StateHook observes state changes. It is called outside the manager lock.
type StateHook func(previous, current State, reason string)

// Manager is a lifecycle state machine with worker tracking.
type Manager struct {
	mu     sync.RWMutex
	state  State
	ctx    context.Context
	cancel context.CancelFunc
	err    error
	wg     sync.WaitGroup

	logger log.Logger
	hook   StateHook
}

// NewManager creates a manager in StateStopped. hook may be nil.
func NewManager(logger log.Logger, hook StateHook) *Manager {
	return &Manager{
		state:  StateStopped,
		logger: log.OrNoop(logger),
		hook:   hook,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the error that crashed the last run, if any.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// TransitionTo moves to next, failing with ErrInvalidTransition when the
// move is not allowed from the current state.
func (m *Manager) TransitionTo(next State, reason string) error {
	m.mu.Lock()
	prev, err := m.transitionLocked(next)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(prev, next, reason)
	return nil
}

func (m *Manager) transitionLocked(next State) (State, error) {
	prev := m.state
	if !CanTransition(prev, next) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	m.state = next
	return prev, nil
}

func (m *Manager) notify(prev, next State, reason string) {
	if m.hook != nil {
		m.hook(prev, next, reason)
	}
	m.logger.Info("state transition",
		log.String("from", prev.String()),
		log.String("to", next.String()),
		log.String("reason", reason),
	)
}

// Begin enters StateStarting and returns the context of the new run, which
// is canceled by Stop.
func (m *Manager) Begin(parent context.Context, reason string) (context.Context, error) {
	m.mu.Lock()
	if m.state != StateStopped && m.state != StateCrashed {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	prev, err := m.transitionLocked(StateStarting)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.ctx, m.cancel = context.WithCancel(parent)
	m.err = nil
	ctx := m.ctx
	m.mu.Unlock()

	m.notify(prev, StateStarting, reason)
	return ctx, nil
}

// MarkRunning moves a starting component to StateRunning.
func (m *Manager) MarkRunning(reason string) error {
	return m.TransitionTo(StateRunning, reason)
}

// Go runs fn on the current run context and tracks it for Stop. A non-nil
// error other than cancellation crashes the run.
func (m *Manager) Go(name string, fn func(ctx context.Context) error) {
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		m.logger.Error("worker failed", log.String("worker", name), log.Err(err))
		m.Crash(fmt.Errorf("%s: %w", name, err))
	}()
}

// Crash records err, cancels the run and enters StateCrashed. It is a no-op
// once the manager is stopped or already crashed.
func (m *Manager) Crash(err error) {
	m.mu.Lock()
	if m.state == StateStopped || m.state == StateCrashed {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = StateCrashed
	m.err = err
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	reason := "crashed"
	if err != nil {
		reason = err.Error()
	}
	m.notify(prev, StateCrashed, reason)
}

// Finish moves a running component to StateStopped after its work completed
// on its own. It reports false when the manager was not running.
func (m *Manager) Finish(reason string) bool {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return false
	}
	m.state = StateStopped
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.notify(StateRunning, StateStopped, reason)
	return true
}

// Stop cancels the run and waits up to timeout for workers started with Go.
// On timeout the manager ends in StateCrashed.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if m.state != StateRunning && m.state != StateStarting {
		m.mu.Unlock()
		return ErrNotRunning
	}
	prev, _ := m.transitionLocked(StateStopping)
	cancel := m.cancel
	m.mu.Unlock()

	m.notify(prev, StateStopping, "stop requested")
	if cancel != nil {
		cancel()
	}

	if err := m.WaitWithTimeout(timeout); err != nil {
		_ = m.TransitionTo(StateCrashed, "shutdown timeout")
		return err
	}
	// A worker may have crashed the run while stopping.
	if m.State() == StateStopping {
		_ = m.TransitionTo(StateStopped, "graceful shutdown")
	}
	return nil
}

// Wait blocks until every worker started with Go has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// WaitWithTimeout waits for all workers to finish with a timeout.
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		m.logger.Warn("shutdown timeout, forcing exit", log.Duration("timeout", timeout))
		return ErrShutdownTimeout
	}
}
