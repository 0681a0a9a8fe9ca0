package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dlcache/internal/config"
	"github.com/ChuLiYu/dlcache/internal/store"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "dlcache", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	// 檢查子命令
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "submit", "job", "cache", "status"} {
		assert.True(t, names[want], "should have %q command", want)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue, "no config file by default")
	assert.Equal(t, "localhost:50051", cmd.PersistentFlags().Lookup("addr").DefValue)
	assert.Equal(t, "10s", cmd.PersistentFlags().Lookup("timeout").DefValue)
}

func TestSubcommandTree(t *testing.T) {
	root := BuildCLI()
	tests := []struct {
		path  []string
		flags []string
	}{
		{[]string{"submit"}, []string{"song", "select", "atmos", "aac", "all-album", "debug", "search-type", "search", "file", "wait"}},
		{[]string{"job", "get"}, nil},
		{[]string{"job", "logs"}, []string{"tail"}},
		{[]string{"job", "cancel"}, nil},
		{[]string{"job", "list"}, []string{"offset", "limit", "oldest"}},
		{[]string{"job", "delete"}, nil},
		{[]string{"cache", "stats"}, nil},
		{[]string{"cache", "list"}, []string{"limit"}},
		{[]string{"cache", "info"}, nil},
		{[]string{"cache", "rm"}, []string{"files"}},
		{[]string{"cache", "sweep"}, nil},
		{[]string{"cache", "touch"}, nil},
		{[]string{"cache", "register"}, []string{"size"}},
		{[]string{"cache", "archive"}, []string{"output"}},
		{[]string{"job", "events"}, nil},
		{[]string{"job", "archive"}, []string{"output"}},
		{[]string{"scheduler", "status"}, nil},
		{[]string{"scheduler", "start"}, nil},
		{[]string{"scheduler", "stop"}, nil},
	}
	for _, tt := range tests {
		cmd, rest, err := root.Find(tt.path)
		require.NoError(t, err, "%v", tt.path)
		assert.Empty(t, rest)
		assert.Equal(t, tt.path[len(tt.path)-1], cmd.Name())
		assert.NotNil(t, cmd.RunE, "%v should be runnable", tt.path)
		for _, f := range tt.flags {
			assert.NotNil(t, cmd.Flags().Lookup(f), "%v should have --%s", tt.path, f)
		}
	}
}

func TestSubmitRequests(t *testing.T) {
	t.Run("one per url", func(t *testing.T) {
		so := &submitOptions{template: types.DownloadRequest{AAC: true}}
		reqs, err := so.requests([]string{"https://a/1", "https://a/2"})
		require.NoError(t, err)
		require.Len(t, reqs, 2)
		assert.Equal(t, "https://a/2", reqs[1].URL)
		assert.True(t, reqs[1].AAC)
	})

	t.Run("search without url", func(t *testing.T) {
		so := &submitOptions{template: types.DownloadRequest{SearchType: "album", SearchTerm: "Blue"}}
		reqs, err := so.requests(nil)
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, "Blue", reqs[0].SearchTerm)
	})

	t.Run("nothing", func(t *testing.T) {
		_, err := (&submitOptions{}).requests(nil)
		assert.Error(t, err)
	})

	t.Run("yaml and json files", func(t *testing.T) {
		dir := t.TempDir()
		yamlPath := filepath.Join(dir, "reqs.yaml")
		require.NoError(t, os.WriteFile(yamlPath, []byte(`
- url: https://music.example/album/1
  atmos: true
- search_term: Blue
  search_type: song
`), 0o644))
		jsonPath := filepath.Join(dir, "reqs.json")
		require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"url":"https://music.example/album/2","all_album":true}]`), 0o644))

		reqs, err := (&submitOptions{file: yamlPath}).requests([]string{"https://extra/3"})
		require.NoError(t, err)
		require.Len(t, reqs, 3)
		assert.True(t, reqs[0].Atmos)
		assert.Equal(t, "song", reqs[1].SearchType)
		assert.Equal(t, "https://extra/3", reqs[2].URL)

		reqs, err = (&submitOptions{file: jsonPath}).requests(nil)
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.True(t, reqs[0].AllAlbum)
	})

	t.Run("bad file", func(t *testing.T) {
		_, err := (&submitOptions{file: filepath.Join(t.TempDir(), "missing.yaml")}).requests(nil)
		assert.Error(t, err)
	})
}

func TestStatusServerUnreachable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  url: ""
cache:
  downloads_root: /srv/music
jobs:
  max_parallel: 3
`), 0o644))
	envFile := filepath.Join(t.TempDir(), "empty.env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o644))

	var out bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetArgs([]string{"status", "-c", path, "--env-file", envFile, "--addr", "127.0.0.1:1", "--timeout", "300ms"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	s := out.String()
	assert.Contains(t, s, path)
	assert.Contains(t, s, "in-memory (single instance)")
	assert.Contains(t, s, "/srv/music")
	assert.Contains(t, s, "Max Parallel:    3")
	assert.Contains(t, s, "server not reachable")
}

func TestStatusInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  high_watermark: 2\n"), 0o644))
	envFile := filepath.Join(t.TempDir(), "empty.env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o644))

	root := BuildCLI()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"status", "-c", path, "--env-file", envFile})
	err := root.Execute()
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "redis://:xxxxx@cache:6379/0", redactURL("redis://:secret@cache:6379/0"))
	assert.Equal(t, "redis://localhost:6379/0", redactURL("redis://localhost:6379/0"))
}

// ============================================================================
// runtime wiring
// ============================================================================

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Redis.URL = ""
	cfg.Metrics.Enabled = false
	cfg.Cache.DownloadsRoot = t.TempDir()
	cfg.Snapshot.Interval = 0
	return cfg
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Redis.URL = "redis://127.0.0.1:1/0"
	cfg.Redis.OpTimeout = 50 * time.Millisecond
	cfg.Redis.RetryMaxElapsed = 100 * time.Millisecond

	st, persister, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)
	assert.Nil(t, persister)
}

func TestRuntimeSnapshotSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "state.json")

	rt, err := newRuntime(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, rt.persister)
	require.NoError(t, rt.start())
	job, err := rt.jobs.Create(ctx, []string{"--aac", "https://music.example/album/1"}, "fp")
	require.NoError(t, err)
	require.NoError(t, rt.cache.Register(ctx, "Album", 42))
	rt.stop()

	rt2, err := newRuntime(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(rt2.stop)

	got, err := rt2.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	st, err := rt2.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Entries)
	assert.Equal(t, int64(42), st.UsedBytes)
}

func TestRuntimeArchiveLocal(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Archive.Enabled = true
	cfg.Archive.Dir = t.TempDir()

	arch, err := newArchiver(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, arch)

	rt, err := newRuntime(context.Background(), cfg)
	require.NoError(t, err)
	rt.stop()
}

func TestExcludedDirs(t *testing.T) {
	cfg := memoryConfig(t)
	root := cfg.Cache.DownloadsRoot
	cfg.Archive.Enabled = true
	cfg.Archive.Dir = filepath.Join(root, "_archive")
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "state.json")
	assert.Equal(t, []string{"_archive"}, excludedDirs(cfg))

	cfg.Snapshot.Path = filepath.Join(root, "state", "dlcache.json")
	assert.Equal(t, []string{"_archive", "state"}, excludedDirs(cfg))

	cfg.Archive.Enabled = false
	cfg.Snapshot.Path = ""
	assert.Empty(t, excludedDirs(cfg))
}
