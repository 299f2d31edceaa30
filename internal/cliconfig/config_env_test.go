package cliconfig

import (
	"testing"
	"time"
)

func TestApplyEnvConfig(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		changed  map[string]bool
		initial  Config
		expected Config
		wantErr  bool
	}{
		{
			name: "applies all field types",
			envVars: map[string]string{
				"MIGRATOR_RELAY_ADDR":         "0.0.0.0:9000",
				"MIGRATOR_RELAY_URL":          "ws://relay:9000/",
				"MIGRATOR_HEARTBEAT_INTERVAL": "10s",
				"MIGRATOR_RECONNECT_DELAY":    "2s",
				"MIGRATOR_DISPATCH_TIMEOUT":   "1m",
				"MIGRATOR_LEDGER":             "/data/ledger.json",
				"MIGRATOR_WATCH_LEDGER":       "1",
				"MIGRATOR_WATCH_DEBOUNCE":     "50ms",
				"MIGRATOR_CLAIM_TTL":          "5m",
				"MIGRATOR_WORKER_ID":          "w-1",
				"MIGRATOR_SOURCE_URL":         "http://source",
				"MIGRATOR_TARGET_URL":         "http://target",
				"MIGRATOR_HTTP_TIMEOUT":       "20s",
				"MIGRATOR_ITEM_DELAY":         "250ms",
				"MIGRATOR_START_PAGE":         "4",
				"MIGRATOR_MAX_PAGES":          "2",
				"MIGRATOR_AUDIT_DIR":          "/audit",
				"MIGRATOR_ARCHIVE_DIR":        "/archive",
				"MIGRATOR_LOG_LEVEL":          "debug",
			},
			changed: map[string]bool{},
			initial: Config{},
			expected: Config{
				RelayAddr:         "0.0.0.0:9000",
				RelayURL:          "ws://relay:9000/",
				HeartbeatInterval: 10 * time.Second,
				ReconnectDelay:    2 * time.Second,
				DispatchTimeout:   time.Minute,
				LedgerPath:        "/data/ledger.json",
				WatchLedger:       true,
				WatchDebounce:     50 * time.Millisecond,
				ClaimTTL:          5 * time.Minute,
				WorkerID:          "w-1",
				SourceURL:         "http://source",
				TargetURL:         "http://target",
				HTTPTimeout:       20 * time.Second,
				ItemDelay:         250 * time.Millisecond,
				StartPage:         4,
				MaxPages:          2,
				AuditDir:          "/audit",
				ArchiveDir:        "/archive",
				LogLevel:          "debug",
			},
		},
		{
			name: "respects changed flags",
			envVars: map[string]string{
				"MIGRATOR_LEDGER":    "/env/ledger.json",
				"MIGRATOR_WORKER_ID": "env-worker",
			},
			changed:  map[string]bool{"ledger": true},
			initial:  Config{LedgerPath: "/flag/ledger.json"},
			expected: Config{LedgerPath: "/flag/ledger.json", WorkerID: "env-worker"},
		},
		{
			name:    "invalid duration",
			envVars: map[string]string{"MIGRATOR_ITEM_DELAY": "slow"},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name:    "invalid int",
			envVars: map[string]string{"MIGRATOR_START_PAGE": "first"},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name:     "bool false",
			envVars:  map[string]string{"MIGRATOR_WATCH_LEDGER": "false"},
			changed:  map[string]bool{},
			initial:  Config{WatchLedger: true},
			expected: Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := tt.initial
			err := ApplyEnvConfig(&cfg, tt.changed)
			if tt.wantErr {
				if err == nil {
					t.Error("ApplyEnvConfig() expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyEnvConfig() unexpected error: %v", err)
			}
			if cfg != tt.expected {
				t.Errorf("ApplyEnvConfig() =\n%+v\nwant\n%+v", cfg, tt.expected)
			}
		})
	}
}
