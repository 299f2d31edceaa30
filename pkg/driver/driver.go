package driver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/lifecycle"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
)

// Config controls a backlog pass.
type Config struct {
	// StartPage is the first backlog page. Default: 1
	StartPage int

	// MaxPages stops after this many pages; zero means until the backlog is empty.
	MaxPages int

	// ItemDelay is the pause between consecutive ids.
	ItemDelay time.Duration

	// ArchiveDir, when set, receives each raw payload as <id>.raw.
	ArchiveDir string

	// PageAttempts bounds fetch attempts per page. Default: 5
	PageAttempts int

	// PageRetryInitial and PageRetryMax shape the page fetch backoff.
	// Defaults: 500ms and 10s
	PageRetryInitial time.Duration
	PageRetryMax     time.Duration
}

func (c *Config) setDefaults() {
	if c.StartPage <= 0 {
		c.StartPage = 1
	}
	if c.PageAttempts <= 0 {
		c.PageAttempts = 5
	}
	if c.PageRetryInitial <= 0 {
		c.PageRetryInitial = 500 * time.Millisecond
	}
	if c.PageRetryMax <= 0 {
		c.PageRetryMax = 10 * time.Second
	}
}

// Stats summarizes a pass.
type Stats struct {
	Pages           int
	Processed       int
	Succeeded       int
	Failed          int
	Skipped         int
	AlreadyMigrated int
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAlreadyMigrated
	outcomeMigrated
	outcomeFailed
)

// Driver walks the backlog and migrates each id once.
type Driver struct {
	cfg         Config
	coord       Coordinator
	backlog     Backlog
	fetcher     Fetcher
	transformer Transformer
	submitter   Submitter
	logger      log.Logger
	retry       *lifecycle.Backoff

	successTrail *ledger.AuditTrail
	failTrail    *ledger.AuditTrail
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(l log.Logger) Option {
	return func(d *Driver) { d.logger = log.OrNoop(l) }
}

// WithTransformer sets the payload transformer. Default: Identity
func WithTransformer(t Transformer) Option {
	return func(d *Driver) { d.transformer = t }
}

// WithAuditTrails records per-page success and failure ids.
func WithAuditTrails(success, fail *ledger.AuditTrail) Option {
	return func(d *Driver) {
		d.successTrail = success
		d.failTrail = fail
	}
}

// New creates a Driver.
func New(cfg Config, coord Coordinator, backlog Backlog, fetcher Fetcher, submitter Submitter, opts ...Option) *Driver {
	cfg.setDefaults()
	d := &Driver{
		cfg:         cfg,
		coord:       coord,
		backlog:     backlog,
		fetcher:     fetcher,
		transformer: Identity,
		submitter:   submitter,
		logger:      log.NoopLogger{},
		retry:       lifecycle.NewBackoff(cfg.PageRetryInitial, cfg.PageRetryMax),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes pages until the backlog is empty, MaxPages is reached, a
// page cannot be fetched, or ctx is canceled. Cancellation is checked
// between ids; an id in progress always completes.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	page := d.cfg.StartPage

	for n := 0; d.cfg.MaxPages == 0 || n < d.cfg.MaxPages; n++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		ids, err := d.fetchPage(ctx, page)
		if err != nil {
			return stats, fmt.Errorf("fetch page %d: %w", page, err)
		}
		if len(ids) == 0 {
			d.logger.Info("backlog exhausted", log.Int("page", page))
			return stats, nil
		}
		stats.Pages++
		d.logger.Info("processing page", log.Int("page", page), log.Int("ids", len(ids)))

		var succeeded, failed []string
		for i, id := range ids {
			if i > 0 {
				if err := sleep(ctx, d.cfg.ItemDelay); err != nil {
					d.recordPage(page, succeeded, failed)
					return stats, err
				}
			}

			switch d.processID(ctx, id) {
			case outcomeSkipped:
				stats.Skipped++
			case outcomeAlreadyMigrated:
				stats.AlreadyMigrated++
				stats.Succeeded++
				succeeded = append(succeeded, id)
			case outcomeMigrated:
				stats.Processed++
				stats.Succeeded++
				succeeded = append(succeeded, id)
			case outcomeFailed:
				stats.Processed++
				stats.Failed++
				failed = append(failed, id)
			}
		}

		d.recordPage(page, succeeded, failed)
		d.logger.Info("page done",
			log.Int("page", page),
			log.Int("succeeded", len(succeeded)),
			log.Int("failed", len(failed)),
		)
		page++
	}
	return stats, nil
}

func (d *Driver) fetchPage(ctx context.Context, page int) ([]string, error) {
	d.retry.Reset()
	var lastErr error
	for attempt := 1; attempt <= d.cfg.PageAttempts; attempt++ {
		ids, err := d.backlog.Page(ctx, page)
		if err == nil {
			return ids, nil
		}
		lastErr = err
		d.logger.Warn("page fetch failed",
			log.Int("page", page),
			log.Int("attempt", attempt),
			log.Duration("retry_base", d.retry.Current()),
			log.Err(err),
		)
		if attempt == d.cfg.PageAttempts {
			break
		}
		if err := d.retry.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// processID runs the claim, process and record steps for one id.
func (d *Driver) processID(ctx context.Context, id string) outcome {
	claim, err := d.coord.Claim(ctx, id)
	if err != nil {
		d.logger.Warn("claim failed, skipping", log.String("id", id), log.Err(err))
		return outcomeSkipped
	}
	if claim.Pending {
		d.logger.Info("pending on another worker, skipping", log.String("id", id))
		return outcomeSkipped
	}

	prev, seen := d.coord.Lookup(id)
	if claim.IsMigrated || (seen && prev.IsMigrated) {
		d.logger.Debug("already migrated", log.String("id", id))
		if claim.Granted {
			d.release(ctx, id)
		}
		return outcomeAlreadyMigrated
	}

	if err := d.coord.Start(ctx, id); err != nil {
		d.logger.Warn("start notice failed", log.String("id", id), log.Err(err))
	}

	rec := ledger.IssueRecord{ID: id}
	issueID, saved, err := d.migrate(ctx, id)
	rec.IsSavedOnDisk = saved
	if err != nil {
		d.logger.Error("migration failed", log.String("id", id), log.Err(err))
		rec.IsError = true
	} else {
		d.logger.Info("migrated", log.String("id", id), log.String("issue_id", issueID))
		rec.IssueID = issueID
		rec.IsMigrated = true
	}

	if !seen || prev != rec {
		if err := d.coord.Publish(ctx, rec); err != nil {
			d.logger.Error("publish outcome failed", log.String("id", id), log.Err(err))
		}
	}
	d.release(ctx, id)

	if rec.IsError {
		return outcomeFailed
	}
	return outcomeMigrated
}

// migrate fetches, archives, transforms and submits one record. Panics in
// collaborators are reported as errors.
func (d *Driver) migrate(ctx context.Context, id string) (issueID string, saved bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while migrating %s: %v", id, r)
		}
	}()

	raw, err := d.fetcher.Fetch(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("fetch: %w", err)
	}

	if d.cfg.ArchiveDir != "" {
		if err := d.archive(id, raw); err != nil {
			d.logger.Warn("archive failed", log.String("id", id), log.Err(err))
		} else {
			saved = true
		}
	}

	payload, err := d.transformer.Transform(id, raw)
	if err != nil {
		return "", saved, fmt.Errorf("transform: %w", err)
	}

	issueID, err = d.submitter.Submit(ctx, id, payload)
	if err != nil {
		return "", saved, fmt.Errorf("submit: %w", err)
	}
	return issueID, saved, nil
}

func (d *Driver) archive(id string, raw []byte) error {
	if err := os.MkdirAll(d.cfg.ArchiveDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.cfg.ArchiveDir, url.PathEscape(id)+".raw"), raw, 0o600)
}

func (d *Driver) release(ctx context.Context, id string) {
	if err := d.coord.Release(ctx, id); err != nil {
		d.logger.Warn("release failed", log.String("id", id), log.Err(err))
	}
}

// recordPage appends the page's outcomes to the audit trails.
func (d *Driver) recordPage(page int, succeeded, failed []string) {
	// Audit writes are local files; they must land even when ctx is done.
	ctx := context.Background()
	label := strconv.Itoa(page)
	if d.successTrail != nil {
		if err := d.successTrail.Append(ctx, ledger.AuditEntry{ID: label, IDs: succeeded}); err != nil {
			d.logger.Error("append success trail", log.Err(err))
		}
	}
	if d.failTrail != nil {
		if err := d.failTrail.Append(ctx, ledger.AuditEntry{ID: label, IDs: failed}); err != nil {
			d.logger.Error("append fail trail", log.Err(err))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
