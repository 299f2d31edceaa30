package migrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/conn"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/correlation"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/driver"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/lifecycle"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
)

// Collaborators are the source and target system adapters.
type Collaborators struct {
	Backlog   driver.Backlog
	Fetcher   driver.Fetcher
	Submitter driver.Submitter

	// Transformer is optional. Default: driver.Identity
	Transformer driver.Transformer
}

func (c Collaborators) validate() error {
	switch {
	case c.Backlog == nil:
		return errors.New("backlog collaborator is required")
	case c.Fetcher == nil:
		return errors.New("fetcher collaborator is required")
	case c.Submitter == nil:
		return errors.New("submitter collaborator is required")
	}
	return nil
}

// Worker is one migration worker process.
type Worker struct {
	cfg    Config
	collab Collaborators
	opts   options
	logger log.Logger
	life   *lifecycle.Manager

	mu     sync.Mutex
	runID  string
	conn   *conn.Manager
	done   chan struct{}
	stats  driver.Stats
	runErr error
}

// New creates a Worker in StateStopped.
func New(cfg Config, collab Collaborators, opts ...Option) (*Worker, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := collab.validate(); err != nil {
		return nil, err
	}

	o := options{runID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.OrNoop(o.logger).With(log.String("worker", cfg.WorkerID))

	done := make(chan struct{})
	close(done)
	return &Worker{
		cfg:    cfg,
		collab: collab,
		opts:   o,
		logger: logger,
		life:   lifecycle.NewManager(logger, o.hook),
		done:   done,
	}, nil
}

// Start connects to the relay and begins a backlog pass in the background.
// It fails with lifecycle.ErrAlreadyRunning while a pass is active.
func (w *Worker) Start(ctx context.Context) error {
	runCtx, err := w.life.Begin(ctx, "Start() called")
	if err != nil {
		return err
	}

	mgr := conn.New(conn.Config{
		URL:               w.cfg.RelayURL,
		HeartbeatInterval: w.cfg.HeartbeatInterval,
		ReconnectDelay:    w.cfg.ReconnectDelay,
	}, w.logger)
	client := correlation.New(mgr,
		correlation.WithTimeout(w.cfg.DispatchTimeout),
		correlation.WithLogger(w.logger),
	)
	mgr.AddListener(client)

	if err := mgr.Connect(runCtx); err != nil {
		_ = mgr.Close()
		w.life.Crash(err)
		return fmt.Errorf("connect to relay: %w", err)
	}

	runID := w.opts.runID()
	drv := driver.New(w.cfg.Driver, driver.NewRelayCoordinator(client, mgr),
		w.collab.Backlog, w.collab.Fetcher, w.collab.Submitter, w.driverOptions(runID)...)

	if err := w.life.MarkRunning("connected to relay"); err != nil {
		_ = mgr.Close()
		return err
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.runID = runID
	w.conn = mgr
	w.done = done
	w.stats, w.runErr = driver.Stats{}, nil
	w.mu.Unlock()

	w.life.Go("driver", func(ctx context.Context) error {
		defer close(done)
		defer mgr.Close()
		defer client.Close()

		stats, err := drv.Run(ctx)
		w.mu.Lock()
		w.stats, w.runErr = stats, err
		w.mu.Unlock()

		w.logger.Info("backlog pass finished",
			log.String("run", runID),
			log.Int("pages", stats.Pages),
			log.Int("succeeded", stats.Succeeded),
			log.Int("failed", stats.Failed),
			log.Int("skipped", stats.Skipped),
			log.Int("already_migrated", stats.AlreadyMigrated),
		)
		if err == nil {
			w.life.Finish("backlog exhausted")
		}
		return err
	})
	return nil
}

func (w *Worker) driverOptions(runID string) []driver.Option {
	opts := []driver.Option{driver.WithLogger(w.logger)}
	if w.collab.Transformer != nil {
		opts = append(opts, driver.WithTransformer(w.collab.Transformer))
	}
	if w.cfg.AuditDir != "" {
		success, fail := ledger.RunTrails(w.cfg.AuditDir, runID)
		opts = append(opts, driver.WithAuditTrails(success, fail))
	}
	return opts
}

// Stop cancels the pass after the id in progress and waits for it to end.
func (w *Worker) Stop() error {
	return w.life.Stop(w.cfg.StopTimeout)
}

// Status returns the current lifecycle state.
func (w *Worker) Status() lifecycle.State {
	return w.life.State()
}

// Done is closed when the current pass ends.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Result returns the statistics and error of the last finished pass.
func (w *Worker) Result() (driver.Stats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats, w.runErr
}

// RunID identifies the current or last pass.
func (w *Worker) RunID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runID
}

// Ledger returns a copy of the worker's ledger mirror.
func (w *Worker) Ledger() *ledger.Ledger {
	w.mu.Lock()
	mgr := w.conn
	w.mu.Unlock()
	if mgr == nil {
		return ledger.New()
	}
	return mgr.Ledger()
}

// Run starts a worker and blocks until the pass ends or ctx is canceled.
func Run(ctx context.Context, cfg Config, collab Collaborators, opts ...Option) (driver.Stats, error) {
	w, err := New(cfg, collab, opts...)
	if err != nil {
		return driver.Stats{}, err
	}
	if err := w.Start(ctx); err != nil {
		return driver.Stats{}, err
	}

	select {
	case <-w.Done():
	case <-ctx.Done():
		if err := w.Stop(); err != nil && !errors.Is(err, lifecycle.ErrNotRunning) {
			return driver.Stats{}, err
		}
	}
	return w.Result()
}
