package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與記憶體儲存的持久化
// ============================================================================

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dlcache/internal/store"
)

func sampleState(t *testing.T) store.MemoryState {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.HSet(ctx, "job:1", map[string]string{"status": "completed", "args": `["--aac","u"]`}))
	require.NoError(t, m.ZAdd(ctx, "jobs:index", "1", 1700000000000))
	require.NoError(t, m.Set(ctx, "dir:Album", "1700000000000", time.Hour))
	require.NoError(t, m.RPushCapped(ctx, "job:1:logs", 10, 0, "line one"))
	return m.Dump()
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "dlcache.json")
	manager := NewManager(path)
	state := sampleState(t)

	require.NoError(t, manager.Write(state))
	assert.True(t, manager.Exists())

	data, found, err := manager.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, data.SchemaVer)
	assert.False(t, data.SavedAt.IsZero())
	assert.Equal(t, state.Hashes, data.State.Hashes)
	assert.Equal(t, state.ZSets, data.State.ZSets)
	assert.Equal(t, state.Lists, data.State.Lists)
	assert.Equal(t, state.Expires, data.State.Expires)
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleState(t)))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	data, found, err := manager.Load()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, data.State.Keys())
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	raw, err := json.Marshal(map[string]any{"schema_version": 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, _, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, _, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	dir := t.TempDir()
	// 目標路徑是一個目錄，rename 會失敗
	path := filepath.Join(dir, "occupied")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o755))

	err := NewManager(path).Write(sampleState(t))
	assert.Error(t, err)
	_, statErr := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snap.json"))
	state := sampleState(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.Write(state))
		}()
	}
	wg.Wait()

	_, found, err := manager.Load()
	require.NoError(t, err)
	assert.True(t, found)
}

// ============================================================================
// Persister
// ============================================================================

func TestPersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snap.json")

	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, "lock:abc", "job-1", time.Hour))
	p := NewPersister(NewManager(path), mem, 0)
	p.Start()
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "second stop is a no-op")

	restored := store.NewMemory()
	n, err := NewPersister(NewManager(path), restored, 0).Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	v, err := restored.Get(ctx, "lock:abc")
	require.NoError(t, err)
	assert.Equal(t, "job-1", v)
}

func TestPersisterPeriodicSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	mem := store.NewMemory()
	require.NoError(t, mem.Set(context.Background(), "k", "v", 0))

	p := NewPersister(NewManager(path), mem, 10*time.Millisecond)
	p.Start()
	t.Cleanup(func() { _ = p.Stop() })

	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPersisterRestoreWithoutSnapshot(t *testing.T) {
	n, err := NewPersister(NewManager(filepath.Join(t.TempDir(), "none.json")), store.NewMemory(), 0).Restore()
	require.NoError(t, err)
	assert.Zero(t, n)
}
