package relay

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
)

// ledgerWatcher calls reload when the ledger file is written by anyone,
// debounced so a burst of events triggers one reload.
type ledgerWatcher struct {
	path     string
	debounce time.Duration
	reload   func(context.Context) error
	logger   log.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

func newLedgerWatcher(path string, debounce time.Duration, reload func(context.Context) error, logger log.Logger) (*ledgerWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: the store replaces the file by rename.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &ledgerWatcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		reload:   reload,
		logger:   logger,
		watcher:  fw,
		cancel:   cancel,
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

func (w *ledgerWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("ledger watcher error", log.Err(err))
		}
	}
}

func (w *ledgerWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.reload(ctx); err != nil {
			w.logger.Error("ledger reload failed", log.String("path", w.path), log.Err(err))
		}
	})
}

func (w *ledgerWatcher) close() {
	w.cancel()
	_ = w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}
