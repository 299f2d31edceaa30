package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists ledger snapshots.
type Store interface {
	// Load returns the current snapshot, creating an empty one if none exists.
	Load(ctx context.Context) (Snapshot, error)

	// MergeAndPersist reconciles delta into the stored snapshot and writes
	// the result back in full.
	MergeAndPersist(ctx context.Context, delta []IssueRecord) (Snapshot, error)
}

// FileStore implements Store with a single JSON document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the snapshot, creating the file with an empty ledger if missing.
func (s *FileStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// MergeAndPersist unions the stored issues with delta, de-duplicates by id
// keeping the later value, and rewrites the whole file.
func (s *FileStore) MergeAndPersist(ctx context.Context, delta []IssueRecord) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return Snapshot{}, err
	}

	merged := Snapshot{Issues: Reconcile(current.Issues, delta)}
	if err := s.write(merged); err != nil {
		return Snapshot{}, err
	}
	return merged, nil
}

func (s *FileStore) read() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("read ledger: %w", err)
		}
		empty := Snapshot{Issues: []IssueRecord{}}
		if err := s.write(empty); err != nil {
			return Snapshot{}, err
		}
		return empty, nil
	}

	var snap Snapshot
	if len(data) > 0 {
		if err := json.Unmarshal(data, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("decode ledger %s: %w", s.path, err)
		}
	}
	if snap.Issues == nil {
		snap.Issues = []IssueRecord{}
	}
	return snap, nil
}

// write replaces the file through a temp file and rename.
func (s *FileStore) write(snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	if snap.Issues == nil {
		snap.Issues = []IssueRecord{}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return os.Rename(tmp, s.path)
}

var _ Store = (*FileStore)(nil)
