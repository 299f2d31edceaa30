package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_LoadCreatesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.json")
	store := NewFileStore(path)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Issues)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"issues":[]}`, string(data))
}

func TestFileStore_MergeAndPersistOverlappingIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	store := NewFileStore(path)
	ctx := context.Background()

	_, err := store.MergeAndPersist(ctx, []IssueRecord{
		{ID: "1", IsError: true},
		{ID: "2", IsMigrated: true},
	})
	require.NoError(t, err)

	_, err = store.MergeAndPersist(ctx, []IssueRecord{
		{ID: "1", IsMigrated: true},
		{ID: "3", IsError: true},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	require.Len(t, snap.Issues, 3)
	byID := map[string]IssueRecord{}
	for _, r := range snap.Issues {
		byID[r.ID] = r
	}
	assert.True(t, byID["1"].IsMigrated)
	assert.False(t, byID["1"].IsError)
	assert.True(t, byID["2"].IsMigrated)
	assert.True(t, byID["3"].IsError)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ctx := context.Background()

	_, err := NewFileStore(path).MergeAndPersist(ctx, []IssueRecord{{ID: "9", IsMigrated: true}})
	require.NoError(t, err)

	snap, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []IssueRecord{{ID: "9", IsMigrated: true}}, snap.Issues)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestFileStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFileStore(filepath.Join(t.TempDir(), "l.json")).MergeAndPersist(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileStore_GoldenLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	store := NewFileStore(path)
	ctx := context.Background()

	_, err := store.MergeAndPersist(ctx, []IssueRecord{
		{ID: "100", IsMigrated: true},
		{ID: "101", IsError: true},
	})
	require.NoError(t, err)
	_, err = store.MergeAndPersist(ctx, []IssueRecord{
		{ID: "101", IssueID: "T-7", IsMigrated: true, IsSavedOnDisk: true},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "ledger_snapshot", data)
}
