package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	httpAdapter "github.com/yandexphp/auto-migration-data-bot-sub000/internal/adapters/http"
	"github.com/yandexphp/auto-migration-data-bot-sub000/internal/cliconfig"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/driver"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/migrator"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/relay"
)

const longHelp = `Coordinate data migration workers through a shared relay.

Run one relay, then any number of workers against the same backlog. The relay
owns the ledger of migrated ids and grants claims so that each id is migrated
by exactly one worker. Configure via file, MIGRATOR_* env, or flags.`

var exampleUsage = strings.TrimSpace(`
  migrator relay --ledger /var/lib/migrator/ledger.json --watch-ledger
  migrator worker --source-url http://tracker.local/api --target-url http://flow.local/api
  migrator worker --config $HOME/.migrator/config.yaml --start-page 3 --max-pages 10
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	if err := newRootCmd(newCLI()).Execute(); err != nil {
		logger := cliconfig.Logger("error")
		logger.Error().Err(err).Msg("migrator")
		os.Exit(1)
	}
}

type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	logger  zerolog.Logger
}

func newCLI() *cli {
	return &cli{cfg: cliconfig.DefaultConfig()}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "migrator",
		Short:         "Coordinate data migration workers through a shared relay",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgPath, "config", "", "path to config file, .toml or .yaml (default: $HOME/.migrator/config.toml)")
	pf.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level: debug, info, warn, error")
	pf.StringVar(&c.cfg.RelayAddr, "relay-addr", c.cfg.RelayAddr, "relay host:port")
	pf.DurationVar(&c.cfg.HeartbeatInterval, "heartbeat", c.cfg.HeartbeatInterval, "PING interval")

	root.AddCommand(c.relayCmd(), c.workerCmd())
	return root
}

// load applies file and env configuration under the flags set on cmd.
func (c *cli) load(cmd *cobra.Command) error {
	cfgFile := c.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, changed); err != nil {
			return err
		}
	}
	if err := cliconfig.ApplyEnvConfig(&c.cfg, changed); err != nil {
		return err
	}

	c.logger = cliconfig.Logger(c.cfg.LogLevel)
	return nil
}

func (c *cli) relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay that owns the ledger and brokers claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			if err := c.cfg.ValidateRelay(); err != nil {
				return err
			}
			c.logger.Info().Interface("config", c.cfg).Msg("configuration")

			r := relay.New(relay.Config{
				Addr:          c.cfg.RelayAddr,
				ClaimTTL:      c.cfg.ClaimTTL,
				WatchLedger:   c.cfg.WatchLedger,
				WatchDebounce: c.cfg.WatchDebounce,
			}, ledger.NewFileStore(c.cfg.LedgerPath), log.NewZerologAdapterWithLogger(c.logger))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			errCh := make(chan error, 1)
			go func() { errCh <- r.Run(ctx) }()

			select {
			case <-sigCh:
				c.logger.Info().Msg("received signal, shutting down relay...")
				cancel()
				return <-errCh
			case err := <-errCh:
				return err
			}
		},
	}

	f := cmd.Flags()
	f.StringVar(&c.cfg.LedgerPath, "ledger", c.cfg.LedgerPath, "path of the ledger JSON file")
	f.BoolVar(&c.cfg.WatchLedger, "watch-ledger", c.cfg.WatchLedger, "reload the ledger file when edited externally")
	f.DurationVar(&c.cfg.WatchDebounce, "watch-debounce", c.cfg.WatchDebounce, "delay before reloading an edited ledger")
	f.DurationVar(&c.cfg.ClaimTTL, "claim-ttl", c.cfg.ClaimTTL, "how long an unreleased claim blocks other workers")
	return cmd
}

func (c *cli) workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Migrate backlog ids, coordinating with other workers through the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			if err := c.cfg.ValidateWorker(); err != nil {
				return err
			}
			c.logger.Info().Interface("config", c.cfg).Msg("configuration")
			return c.runWorker()
		},
	}

	f := cmd.Flags()
	f.StringVar(&c.cfg.RelayURL, "relay-url", c.cfg.RelayURL, "relay websocket URL (default: ws://<relay-addr>/)")
	f.StringVar(&c.cfg.WorkerID, "worker-id", c.cfg.WorkerID, "worker name used in logs (default: hostname-random)")
	f.DurationVar(&c.cfg.ReconnectDelay, "reconnect-delay", c.cfg.ReconnectDelay, "wait before redialing a dropped relay")
	f.DurationVar(&c.cfg.DispatchTimeout, "dispatch-timeout", c.cfg.DispatchTimeout, "claim round-trip timeout")
	f.StringVar(&c.cfg.SourceURL, "source-url", c.cfg.SourceURL, "base URL of the source system")
	f.StringVar(&c.cfg.TargetURL, "target-url", c.cfg.TargetURL, "base URL of the target system")
	f.DurationVar(&c.cfg.HTTPTimeout, "timeout", c.cfg.HTTPTimeout, "HTTP timeout")
	f.DurationVar(&c.cfg.ItemDelay, "item-delay", c.cfg.ItemDelay, "pause between consecutive ids")
	f.IntVar(&c.cfg.StartPage, "start-page", c.cfg.StartPage, "first backlog page")
	f.IntVar(&c.cfg.MaxPages, "max-pages", c.cfg.MaxPages, "stop after this many pages (0: until empty)")
	f.StringVar(&c.cfg.AuditDir, "audit-dir", c.cfg.AuditDir, "directory for per-run success/fail audit trails")
	f.StringVar(&c.cfg.ArchiveDir, "archive-dir", c.cfg.ArchiveDir, "directory for raw payload archives")
	return cmd
}

func (c *cli) runWorker() error {
	logger := log.NewZerologAdapterWithLogger(c.logger)
	httpClient := &http.Client{Timeout: c.cfg.HTTPTimeout}

	w, err := migrator.New(migrator.Config{
		RelayURL:          c.cfg.RelayURL,
		WorkerID:          c.cfg.WorkerID,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		ReconnectDelay:    c.cfg.ReconnectDelay,
		DispatchTimeout:   c.cfg.DispatchTimeout,
		AuditDir:          c.cfg.AuditDir,
		Driver: driver.Config{
			StartPage:  c.cfg.StartPage,
			MaxPages:   c.cfg.MaxPages,
			ItemDelay:  c.cfg.ItemDelay,
			ArchiveDir: c.cfg.ArchiveDir,
		},
	}, migrator.Collaborators{
		Backlog:   httpAdapter.NewBacklog(c.cfg.SourceURL, httpClient, logger),
		Fetcher:   httpAdapter.NewFetcher(c.cfg.SourceURL, httpClient),
		Submitter: httpAdapter.NewSubmitter(c.cfg.TargetURL, httpClient, logger),
	}, migrator.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	select {
	case <-sigCh:
		c.logger.Info().Msg("received signal, stopping after the current id...")
		if err := w.Stop(); err != nil {
			return fmt.Errorf("stop worker: %w", err)
		}
	case <-w.Done():
	}

	stats, err := w.Result()
	c.logger.Info().
		Str("run", w.RunID()).
		Int("pages", stats.Pages).
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Msg("worker finished")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
