package cliconfig

import "os"

// EnvPrefix prefixes every environment variable the CLI reads.
const EnvPrefix = "MIGRATOR_"

func env(name string) string { return os.Getenv(EnvPrefix + name) }

// ApplyEnvConfig applies MIGRATOR_* environment variables for every flag not
// set explicitly. Malformed values are errors.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("relay-addr", env("RELAY_ADDR"), &cfg.RelayAddr)
	s.setString("relay-url", env("RELAY_URL"), &cfg.RelayURL)
	s.setString("ledger", env("LEDGER"), &cfg.LedgerPath)
	s.setString("worker-id", env("WORKER_ID"), &cfg.WorkerID)
	s.setString("source-url", env("SOURCE_URL"), &cfg.SourceURL)
	s.setString("target-url", env("TARGET_URL"), &cfg.TargetURL)
	s.setString("audit-dir", env("AUDIT_DIR"), &cfg.AuditDir)
	s.setString("archive-dir", env("ARCHIVE_DIR"), &cfg.ArchiveDir)
	s.setString("log-level", env("LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setDuration("heartbeat", env("HEARTBEAT_INTERVAL"), &cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := s.setDuration("reconnect-delay", env("RECONNECT_DELAY"), &cfg.ReconnectDelay); err != nil {
		return err
	}
	if err := s.setDuration("dispatch-timeout", env("DISPATCH_TIMEOUT"), &cfg.DispatchTimeout); err != nil {
		return err
	}
	if err := s.setDuration("watch-debounce", env("WATCH_DEBOUNCE"), &cfg.WatchDebounce); err != nil {
		return err
	}
	if err := s.setDuration("claim-ttl", env("CLAIM_TTL"), &cfg.ClaimTTL); err != nil {
		return err
	}
	if err := s.setDuration("timeout", env("HTTP_TIMEOUT"), &cfg.HTTPTimeout); err != nil {
		return err
	}
	if err := s.setDuration("item-delay", env("ITEM_DELAY"), &cfg.ItemDelay); err != nil {
		return err
	}

	if err := s.setIntFromString("start-page", env("START_PAGE"), &cfg.StartPage); err != nil {
		return err
	}
	if err := s.setIntFromString("max-pages", env("MAX_PAGES"), &cfg.MaxPages); err != nil {
		return err
	}

	s.setBoolFromString("watch-ledger", env("WATCH_LEDGER"), &cfg.WatchLedger)

	return nil
}
