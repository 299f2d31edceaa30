package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AuditEntry lists the ids of one backlog page that ended with one outcome.
type AuditEntry struct {
	ID  string   `json:"id"`
	IDs []string `json:"ids"`
}

// AuditTrail is an append-only JSON array of AuditEntry values.
type AuditTrail struct {
	path string
	mu   sync.Mutex
}

// NewAuditTrail creates a trail stored at path.
func NewAuditTrail(path string) *AuditTrail {
	return &AuditTrail{path: path}
}

// RunTrails returns the success and failure trails for one run under dir.
func RunTrails(dir, runID string) (success, fail *AuditTrail) {
	success = NewAuditTrail(filepath.Join(dir, "success-"+runID+".json"))
	fail = NewAuditTrail(filepath.Join(dir, "fail-"+runID+".json"))
	return success, fail
}

// Path returns the backing file path.
func (a *AuditTrail) Path() string {
	return a.path
}

// Append adds entry to the end of the trail. Entries without ids are dropped.
func (a *AuditTrail) Append(ctx context.Context, entry AuditEntry) error {
	if len(entry.IDs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := a.read()
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode audit trail: %w", err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write audit trail: %w", err)
	}
	return os.Rename(tmp, a.path)
}

// Entries returns every entry recorded so far.
func (a *AuditTrail) Entries() ([]AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.read()
}

func (a *AuditTrail) read() ([]AuditEntry, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []AuditEntry{}, nil
		}
		return nil, fmt.Errorf("read audit trail: %w", err)
	}
	var entries []AuditEntry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decode audit trail %s: %w", a.path, err)
		}
	}
	return entries, nil
}
