package migrator

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/driver"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/lifecycle"
)

// Config holds worker settings.
type Config struct {
	// RelayURL is the relay websocket endpoint.
	RelayURL string

	// WorkerID labels this worker in logs. Default: <hostname>-<random>
	WorkerID string

	// HeartbeatInterval is the PING period. Default: 15s
	HeartbeatInterval time.Duration

	// ReconnectDelay is the wait before redialing a dropped relay. Default: 5s
	ReconnectDelay time.Duration

	// DispatchTimeout bounds each claim round trip. Default: 30s
	DispatchTimeout time.Duration

	// AuditDir receives success-<run>.json and fail-<run>.json. Empty
	// disables audit trails.
	AuditDir string

	// StopTimeout bounds graceful shutdown. Default: 30s
	StopTimeout time.Duration

	Driver driver.Config
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		RelayURL:          "ws://127.0.0.1:8765/",
		HeartbeatInterval: 15 * time.Second,
		ReconnectDelay:    5 * time.Second,
		DispatchTimeout:   30 * time.Second,
		StopTimeout:       lifecycle.ShutdownTimeout,
		Driver: driver.Config{
			StartPage: 1,
			ItemDelay: time.Second,
		},
	}
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.RelayURL == "" {
		c.RelayURL = d.RelayURL
	}
	if c.WorkerID == "" {
		c.WorkerID = defaultWorkerID()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.Driver.StartPage <= 0 {
		c.Driver.StartPage = d.Driver.StartPage
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay url %q: scheme must be ws or wss", c.RelayURL)
	}
	if c.Driver.MaxPages < 0 {
		return errors.New("max pages must not be negative")
	}
	if c.Driver.ItemDelay < 0 {
		return errors.New("item delay must not be negative")
	}
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
