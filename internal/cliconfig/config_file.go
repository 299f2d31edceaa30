package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Config with durations as strings, for TOML and YAML.
type FileConfig struct {
	RelayAddr         string `toml:"relay_addr" yaml:"relay_addr"`
	RelayURL          string `toml:"relay_url" yaml:"relay_url"`
	HeartbeatInterval string `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	ReconnectDelay    string `toml:"reconnect_delay" yaml:"reconnect_delay"`
	DispatchTimeout   string `toml:"dispatch_timeout" yaml:"dispatch_timeout"`
	LedgerPath        string `toml:"ledger" yaml:"ledger"`
	WatchLedger       *bool  `toml:"watch_ledger" yaml:"watch_ledger"`
	WatchDebounce     string `toml:"watch_debounce" yaml:"watch_debounce"`
	ClaimTTL          string `toml:"claim_ttl" yaml:"claim_ttl"`
	WorkerID          string `toml:"worker_id" yaml:"worker_id"`
	SourceURL         string `toml:"source_url" yaml:"source_url"`
	TargetURL         string `toml:"target_url" yaml:"target_url"`
	HTTPTimeout       string `toml:"http_timeout" yaml:"http_timeout"`
	ItemDelay         string `toml:"item_delay" yaml:"item_delay"`
	StartPage         int    `toml:"start_page" yaml:"start_page"`
	MaxPages          int    `toml:"max_pages" yaml:"max_pages"`
	AuditDir          string `toml:"audit_dir" yaml:"audit_dir"`
	ArchiveDir        string `toml:"archive_dir" yaml:"archive_dir"`
	LogLevel          string `toml:"log_level" yaml:"log_level"`
}

// LoadFileConfig reads a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as TOML.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fc)
	default:
		err = toml.Unmarshal(b, &fc)
	}
	if err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.migrator/config.toml, or "" when the home
// directory is unknown.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".migrator", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies file values for every flag not set explicitly.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("relay-addr", fc.RelayAddr, &cfg.RelayAddr)
	s.setString("relay-url", fc.RelayURL, &cfg.RelayURL)
	s.setString("ledger", fc.LedgerPath, &cfg.LedgerPath)
	s.setString("worker-id", fc.WorkerID, &cfg.WorkerID)
	s.setString("source-url", fc.SourceURL, &cfg.SourceURL)
	s.setString("target-url", fc.TargetURL, &cfg.TargetURL)
	s.setString("audit-dir", fc.AuditDir, &cfg.AuditDir)
	s.setString("archive-dir", fc.ArchiveDir, &cfg.ArchiveDir)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"heartbeat", fc.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"reconnect-delay", fc.ReconnectDelay, &cfg.ReconnectDelay},
		{"dispatch-timeout", fc.DispatchTimeout, &cfg.DispatchTimeout},
		{"watch-debounce", fc.WatchDebounce, &cfg.WatchDebounce},
		{"claim-ttl", fc.ClaimTTL, &cfg.ClaimTTL},
		{"timeout", fc.HTTPTimeout, &cfg.HTTPTimeout},
		{"item-delay", fc.ItemDelay, &cfg.ItemDelay},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}

	s.setInt("start-page", fc.StartPage, &cfg.StartPage)
	s.setInt("max-pages", fc.MaxPages, &cfg.MaxPages)
	s.setBool("watch-ledger", fc.WatchLedger, &cfg.WatchLedger)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
