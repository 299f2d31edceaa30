package cliconfig

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultRelayAddr is the host:port the relay listens on and workers dial.
const DefaultRelayAddr = "127.0.0.1:8765"

// Config holds CLI configuration for the relay and worker commands.
type Config struct {
	// Relay and connection
	RelayAddr         string
	RelayURL          string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	DispatchTimeout   time.Duration

	// Relay only
	LedgerPath    string
	WatchLedger   bool
	WatchDebounce time.Duration
	ClaimTTL      time.Duration

	// Worker only
	WorkerID    string
	SourceURL   string
	TargetURL   string
	HTTPTimeout time.Duration
	ItemDelay   time.Duration
	StartPage   int
	MaxPages    int
	AuditDir    string
	ArchiveDir  string

	LogLevel string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		RelayAddr:         DefaultRelayAddr,
		HeartbeatInterval: 15 * time.Second,
		ReconnectDelay:    5 * time.Second,
		DispatchTimeout:   30 * time.Second,
		LedgerPath:        "ledger.json",
		WatchDebounce:     200 * time.Millisecond,
		ClaimTTL:          10 * time.Minute,
		HTTPTimeout:       15 * time.Second,
		ItemDelay:         time.Second,
		StartPage:         1,
		LogLevel:          "info",
	}
}

// ValidateRelay checks the fields the relay command needs.
func (c *Config) ValidateRelay() error {
	if _, _, err := net.SplitHostPort(c.RelayAddr); err != nil {
		return fmt.Errorf("relay-addr %q: %w", c.RelayAddr, err)
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("ledger is required")
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("claim ttl must be positive")
	}
	return nil
}

// ValidateWorker checks the fields the worker command needs and derives the
// relay URL from the relay address when it is not set.
func (c *Config) ValidateWorker() error {
	if c.RelayURL == "" {
		if _, _, err := net.SplitHostPort(c.RelayAddr); err != nil {
			return fmt.Errorf("relay-addr %q: %w", c.RelayAddr, err)
		}
		c.RelayURL = "ws://" + c.RelayAddr + "/"
	}
	if u, err := url.Parse(c.RelayURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("relay-url %q must be a ws:// or wss:// URL", c.RelayURL)
	}

	if c.SourceURL == "" {
		return fmt.Errorf("source-url is required")
	}
	if c.TargetURL == "" {
		return fmt.Errorf("target-url is required")
	}
	c.SourceURL = strings.TrimRight(c.SourceURL, "/")
	c.TargetURL = strings.TrimRight(c.TargetURL, "/")

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.StartPage <= 0 {
		return fmt.Errorf("start page must be positive")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages must not be negative")
	}
	return nil
}

// configSetter applies values only for flags that were not set explicitly.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses environment values, which arrive as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString accepts "true" and "1" as true.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
