package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dlcache/internal/cache"
	"github.com/ChuLiYu/dlcache/internal/dedup"
	"github.com/ChuLiYu/dlcache/internal/jobstore"
	"github.com/ChuLiYu/dlcache/internal/store"
	"github.com/ChuLiYu/dlcache/internal/supervisor"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

// ============================================================================
// Fake supervisor
// ============================================================================

type fakeProc struct {
	pid     int
	cb      supervisor.Callbacks
	release chan struct{}
	done    chan struct{}

	once       sync.Once
	mu         sync.Mutex
	exit       supervisor.Exit
	terminated bool
}

func (p *fakeProc) PID() int                  { return p.pid }
func (p *fakeProc) Done() <-chan struct{}     { return p.done }
func (p *fakeProc) line(l string)             { p.cb.OnLine(l) }
func (p *fakeProc) wasTerminated() bool       { p.mu.Lock(); defer p.mu.Unlock(); return p.terminated }
func (p *fakeProc) Exit() supervisor.Exit     { p.mu.Lock(); defer p.mu.Unlock(); return p.exit }
func (p *fakeProc) finish(ex supervisor.Exit) { p.once.Do(func() { p.setExit(ex) }) }

func (p *fakeProc) setExit(ex supervisor.Exit) {
	p.mu.Lock()
	p.exit = ex
	p.mu.Unlock()
	if p.cb.OnExit != nil {
		p.cb.OnExit(ex)
	}
	close(p.done)
}

func (p *fakeProc) Terminate(time.Duration) (bool, error) {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.finish(supervisor.Exit{Code: -1, Signal: "terminated"})
	return false, nil
}

// script drives a fake process; it runs in its own goroutine.
type script func(p *fakeProc, args []string)

type fakeSupervisor struct {
	mu       sync.Mutex
	script   script
	startErr error
	procs    []*fakeProc
}

func (f *fakeSupervisor) Start(_ context.Context, args []string, cb supervisor.Callbacks) (supervisor.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	p := &fakeProc{
		pid:     1000 + len(f.procs),
		cb:      cb,
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
	f.procs = append(f.procs, p)
	go f.script(p, args)
	return p, nil
}

func (f *fakeSupervisor) started() []*fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProc(nil), f.procs...)
}

func exitWith(code int, lines ...string) script {
	return func(p *fakeProc, _ []string) {
		for _, l := range lines {
			p.line(l)
		}
		p.finish(supervisor.Exit{Code: code})
	}
}

// blockUntilReleased prints lines then waits for release (exit 0) or Terminate.
func blockUntilReleased(lines ...string) script {
	return func(p *fakeProc, _ []string) {
		for _, l := range lines {
			p.line(l)
		}
		select {
		case <-p.release:
			p.finish(supervisor.Exit{Code: 0})
		case <-p.done:
		}
	}
}

// ============================================================================
// Test Helper Functions
// ============================================================================

type fixture struct {
	ctl  *Controller
	jobs *jobstore.Store
	lock *dedup.Lock
	idx  *cache.Index
	sup  *fakeSupervisor
	root string
}

func newFixture(t *testing.T, sc script, parallel int) *fixture {
	t.Helper()
	return newFixtureWith(t, sc, Config{
		MaxParallel: parallel,
		CancelGrace: 50 * time.Millisecond,
		CancelPoll:  10 * time.Millisecond,
	})
}

func newFixtureWith(t *testing.T, sc script, cfg Config) *fixture {
	t.Helper()
	st := store.NewMemory()
	root := t.TempDir()
	opts := cache.DefaultOptions()
	opts.Root = root
	idx := cache.NewIndex(st, opts)
	jobs := jobstore.New(st, jobstore.Options{})
	lock := dedup.New(st, time.Hour, true)
	sup := &fakeSupervisor{script: sc}

	ctl := NewController(cfg, jobs, lock, idx, sup, nil)
	require.NoError(t, ctl.Start())
	t.Cleanup(ctl.Stop)
	return &fixture{ctl: ctl, jobs: jobs, lock: lock, idx: idx, sup: sup, root: root}
}

func (f *fixture) waitStatus(t *testing.T, id types.JobID, want types.JobStatus) types.Job {
	t.Helper()
	var job types.Job
	require.Eventually(t, func() bool {
		j, err := f.jobs.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s (last %s)", id, want, job.Status)
	return job
}

func (f *fixture) waitStarted(t *testing.T, n int) []*fakeProc {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.sup.started()) >= n }, 3*time.Second, 5*time.Millisecond)
	return f.sup.started()
}

func album(url string) types.DownloadRequest {
	return types.DownloadRequest{URL: url, Atmos: true}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestSubmitRunsToCompletionAndRegistersOutput(t *testing.T) {
	var root string
	sc := func(p *fakeProc, args []string) {
		_ = os.MkdirAll(filepath.Join(root, "Artist - Album"), 0o755)
		_ = os.WriteFile(filepath.Join(root, "Artist - Album", "01.m4a"), make([]byte, 1234), 0o644)
		exitWith(0, "Track 1 of 1", "Downloading...  50%  (1/2 MB, 1 MB/s)", "Decrypting...  100%")(p, args)
	}
	f := newFixture(t, sc, 1)
	root = f.root
	ctx := context.Background()

	sub, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/x/1"))
	require.NoError(t, err)
	assert.False(t, sub.Deduplicated)
	assert.Equal(t, []string{"--atmos", "https://music.apple.com/us/album/x/1"}, sub.Job.Args)

	job := f.waitStatus(t, sub.Job.ID, types.StatusCompleted)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	assert.Equal(t, "Artist - Album", job.OutputDir)

	lines, err := f.jobs.Tail(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Track 1 of 1", "Downloading...  50%  (1/2 MB, 1 MB/s)", "Decrypting...  100%"}, lines)

	prog, ok, err := f.jobs.GetProgress(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Decrypting", prog.Phase)
	assert.Equal(t, 100, prog.Percent)

	// 註冊與釋放鎖在轉換鉤子中完成，稍晚於狀態可見
	require.Eventually(t, func() bool {
		stats, err := f.idx.Stats(ctx)
		return err == nil && stats.Entries == 1 && stats.UsedBytes == 1234
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, held := f.lock.Lookup(ctx, job.Fingerprint)
		return !held
	}, time.Second, 5*time.Millisecond, "dedup lock released on terminal state")
}

func TestAlbumsBySameArtistAreCountedSeparately(t *testing.T) {
	var root string
	sizes := map[string]int{"AlbumOne": 500, "AlbumTwo": 600}
	sc := func(p *fakeProc, args []string) {
		name := "AlbumOne"
		if strings.HasSuffix(args[len(args)-1], "/2") {
			name = "AlbumTwo"
		}
		dir := filepath.Join(root, "Artist", name)
		_ = os.MkdirAll(dir, 0o755)
		_ = os.WriteFile(filepath.Join(dir, "01.m4a"), make([]byte, sizes[name]), 0o644)
		exitWith(0)(p, args)
	}
	f := newFixture(t, sc, 1)
	root = f.root
	ctx := context.Background()

	first, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/a/1"))
	require.NoError(t, err)
	job := f.waitStatus(t, first.Job.ID, types.StatusCompleted)
	assert.Equal(t, "Artist/AlbumOne", job.OutputDir)
	require.Eventually(t, func() bool {
		stats, err := f.idx.Stats(ctx)
		return err == nil && stats.UsedBytes == 500
	}, time.Second, 5*time.Millisecond)

	// 第一張專輯的檔案早於第二個任務
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "Artist", "AlbumOne", "01.m4a"), old, old))

	second, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/b/2"))
	require.NoError(t, err)
	job = f.waitStatus(t, second.Job.ID, types.StatusCompleted)
	assert.Equal(t, "Artist/AlbumTwo", job.OutputDir)
	require.Eventually(t, func() bool {
		stats, err := f.idx.Stats(ctx)
		return err == nil && stats.Entries == 2 && stats.UsedBytes == 1100
	}, time.Second, 5*time.Millisecond)
}

func TestNonZeroExitFails(t *testing.T) {
	f := newFixture(t, exitWith(2, "boom"), 1)
	ctx := context.Background()

	sub, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/y/2"))
	require.NoError(t, err)
	job := f.waitStatus(t, sub.Job.ID, types.StatusFailed)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 2, *job.ExitCode)
	assert.Equal(t, "exit code 2", job.Error)

	stats, err := f.idx.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func TestLaunchFailureFailsJob(t *testing.T) {
	f := newFixture(t, exitWith(0), 1)
	f.sup.startErr = errors.New("exec: no such file")

	sub, err := f.ctl.Submit(context.Background(), album("https://music.apple.com/us/album/z/3"))
	require.NoError(t, err)
	job := f.waitStatus(t, sub.Job.ID, types.StatusFailed)
	assert.Contains(t, job.Error, "no such file")
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, -1, *job.ExitCode)
}

func TestSubmitRejectsEmptyRequest(t *testing.T) {
	f := newFixture(t, exitWith(0), 1)
	_, err := f.ctl.Submit(context.Background(), types.DownloadRequest{})
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

// ============================================================================
// Dedup Tests
// ============================================================================

func TestDuplicateRequestsCollapse(t *testing.T) {
	f := newFixture(t, blockUntilReleased(), 2)
	ctx := context.Background()
	req := album("https://music.apple.com/us/album/dup/9")

	var wg sync.WaitGroup
	subs := make([]Submission, 4)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.ctl.Submit(ctx, req)
			assert.NoError(t, err)
			subs[i] = s
		}(i)
	}
	wg.Wait()

	first := subs[0].Job.ID
	fresh := 0
	for _, s := range subs {
		assert.Equal(t, first, s.Job.ID)
		if !s.Deduplicated {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	procs := f.waitStarted(t, 1)
	close(procs[0].release)
	f.waitStatus(t, first, types.StatusCompleted)
	assert.Len(t, f.sup.started(), 1)

	// 鎖已釋放，同樣的請求會建立新任務
	again, err := f.ctl.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Deduplicated)
	assert.NotEqual(t, first, again.Job.ID)

	page, err := f.jobs.List(ctx, 0, 10, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total, "losing duplicates leave no records behind")
}

func TestStaleDedupLockIsReplaced(t *testing.T) {
	f := newFixture(t, exitWith(0), 1)
	ctx := context.Background()
	req := album("https://music.apple.com/us/album/stale/1")

	// 持有者已崩潰，記錄已消失
	f.lock.Acquire(ctx, dedup.Fingerprint(req), "gone")

	sub, err := f.ctl.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, sub.Deduplicated)
	f.waitStatus(t, sub.Job.ID, types.StatusCompleted)
}

// ============================================================================
// Cancel Tests
// ============================================================================

func TestCancelRunningJob(t *testing.T) {
	f := newFixture(t, blockUntilReleased("Downloading...  10%  (1/10 MB, 1 MB/s)"), 1)
	ctx := context.Background()

	sub, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/c/1"))
	require.NoError(t, err)
	f.waitStatus(t, sub.Job.ID, types.StatusRunning)

	job, err := f.ctl.Cancel(ctx, sub.Job.ID)
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)

	f.waitStatus(t, sub.Job.ID, types.StatusCancelled)
	assert.True(t, f.sup.started()[0].wasTerminated())

	_, err = f.ctl.Cancel(ctx, sub.Job.ID)
	assert.ErrorIs(t, err, jobstore.ErrInvalidTransition)
}

func TestCancelQueuedJobNeverStarts(t *testing.T) {
	f := newFixture(t, blockUntilReleased(), 1)
	ctx := context.Background()

	first, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/q/1"))
	require.NoError(t, err)
	procs := f.waitStarted(t, 1)

	second, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/q/2"))
	require.NoError(t, err)
	job, err := f.ctl.Cancel(ctx, second.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, job.Status)

	close(procs[0].release)
	f.waitStatus(t, first.Job.ID, types.StatusCompleted)

	// worker 領到被取消的任務時直接略過
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.sup.started(), 1)
	f.waitStatus(t, second.Job.ID, types.StatusCancelled)
}

// A cancel recorded through the store (as another instance would) is picked up
// by the polling owner.
func TestCancelFromAnotherInstance(t *testing.T) {
	f := newFixture(t, blockUntilReleased(), 1)
	ctx := context.Background()

	sub, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/x/7"))
	require.NoError(t, err)
	f.waitStatus(t, sub.Job.ID, types.StatusRunning)

	_, err = f.jobs.RequestCancel(ctx, sub.Job.ID)
	require.NoError(t, err)
	f.waitStatus(t, sub.Job.ID, types.StatusCancelled)
}

func TestStopFailsRunningJobs(t *testing.T) {
	f := newFixture(t, blockUntilReleased(), 1)
	ctx := context.Background()

	sub, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/s/1"))
	require.NoError(t, err)
	f.waitStatus(t, sub.Job.ID, types.StatusRunning)

	f.ctl.Stop()
	job := f.waitStatus(t, sub.Job.ID, types.StatusFailed)
	assert.True(t, strings.HasPrefix(job.Error, "interrupted"))

	_, err = f.ctl.Submit(ctx, album("https://music.apple.com/us/album/s/2"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopFailsQueuedJobsAndReleasesLock(t *testing.T) {
	f := newFixture(t, blockUntilReleased(), 1)
	ctx := context.Background()

	first, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/d/1"))
	require.NoError(t, err)
	f.waitStatus(t, first.Job.ID, types.StatusRunning)
	queuedReq := album("https://music.apple.com/us/album/d/2")
	second, err := f.ctl.Submit(ctx, queuedReq)
	require.NoError(t, err)

	f.ctl.Stop()
	job := f.waitStatus(t, second.Job.ID, types.StatusFailed)
	assert.Equal(t, errShutdown.Error(), job.Error)
	f.waitStatus(t, first.Job.ID, types.StatusFailed)
	assert.Len(t, f.sup.started(), 1, "the queued job never got a process")
	_, held := f.lock.Lookup(ctx, second.Job.Fingerprint)
	assert.False(t, held)

	// 另一個實例重送同一個請求，不會合併到已停止的任務
	ctl2 := NewController(Config{MaxParallel: 1, CancelGrace: 50 * time.Millisecond, CancelPoll: 10 * time.Millisecond},
		f.jobs, f.lock, f.idx, &fakeSupervisor{script: exitWith(0)}, nil)
	require.NoError(t, ctl2.Start())
	t.Cleanup(ctl2.Stop)
	sub, err := ctl2.Submit(ctx, queuedReq)
	require.NoError(t, err)
	assert.False(t, sub.Deduplicated)
	assert.NotEqual(t, second.Job.ID, sub.Job.ID)
	f.waitStatus(t, sub.Job.ID, types.StatusCompleted)
}

func TestAbandonedQueuedJobIsNotJoined(t *testing.T) {
	f := newFixtureWith(t, exitWith(0), Config{
		MaxParallel: 1,
		CancelGrace: 50 * time.Millisecond,
		CancelPoll:  10 * time.Millisecond,
		QueuedStale: 50 * time.Millisecond,
	})
	ctx := context.Background()
	req := album("https://music.apple.com/us/album/ab/1")
	fp := dedup.Fingerprint(req)

	// 另一個實例建立任務後消失：記錄停在 Queued，鎖仍指向它
	dead, err := f.jobs.Create(ctx, []string{"--atmos", req.URL}, fp)
	require.NoError(t, err)
	require.True(t, f.lock.Acquire(ctx, fp, dead.ID).Acquired)

	sub, err := f.ctl.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, sub.Deduplicated, "a fresh queued job is joined")
	assert.Equal(t, dead.ID, sub.Job.ID)

	time.Sleep(80 * time.Millisecond)
	sub, err = f.ctl.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, sub.Deduplicated)
	assert.NotEqual(t, dead.ID, sub.Job.ID)
	f.waitStatus(t, sub.Job.ID, types.StatusCompleted)

	old, err := f.jobs.Get(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, old.Status)
	assert.Equal(t, "abandoned in queue", old.Error)
}

func TestLiveQueuedJobKeepsHeartbeat(t *testing.T) {
	f := newFixtureWith(t, blockUntilReleased(), Config{
		MaxParallel: 1,
		CancelGrace: 50 * time.Millisecond,
		CancelPoll:  10 * time.Millisecond,
		QueuedStale: 60 * time.Millisecond,
	})
	ctx := context.Background()

	first, err := f.ctl.Submit(ctx, album("https://music.apple.com/us/album/hb/1"))
	require.NoError(t, err)
	procs := f.waitStarted(t, 1)
	req := album("https://music.apple.com/us/album/hb/2")
	second, err := f.ctl.Submit(ctx, req)
	require.NoError(t, err)

	// 排隊時間遠超過 QueuedStale，但擁有者仍在，心跳讓它保持可合併
	time.Sleep(200 * time.Millisecond)
	again, err := f.ctl.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, second.Job.ID, again.Job.ID)

	close(procs[0].release)
	f.waitStatus(t, first.Job.ID, types.StatusCompleted)
	procs = f.waitStarted(t, 2)
	close(procs[1].release)
	f.waitStatus(t, second.Job.ID, types.StatusCompleted)
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t, exitWith(0), 2)
	subs, errs := f.ctl.SubmitBatch(context.Background(), []types.DownloadRequest{
		album("https://music.apple.com/us/album/b/1"),
		{},
		album("https://music.apple.com/us/album/b/2"),
	})
	require.Len(t, subs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrEmptyRequest)
	assert.NoError(t, errs[2])
	f.waitStatus(t, subs[0].Job.ID, types.StatusCompleted)
	f.waitStatus(t, subs[2].Job.ID, types.StatusCompleted)
}

// ============================================================================
// Argument and locator tests
// ============================================================================

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		req  types.DownloadRequest
		want []string
	}{
		{"url only", types.DownloadRequest{URL: " https://a/1 "}, []string{"https://a/1"}},
		{"all flags in fixed order", types.DownloadRequest{
			URL: "https://a/1", Debug: true, AAC: true, Song: true, Atmos: true, Select: true, AllAlbum: true,
		}, []string{"--song", "--select", "--atmos", "--aac", "--all-album", "--debug", "https://a/1"}},
		{"search", types.DownloadRequest{SearchType: "album", SearchTerm: " taylor swift "},
			[]string{"--search", "album", "taylor swift"}},
		{"search default type", types.DownloadRequest{SearchTerm: "x"}, []string{"--search", "song", "x"}},
		{"extra args appended", types.DownloadRequest{URL: "https://a/1", ExtraArgs: []string{"--alac-max", "192000"}},
			[]string{"https://a/1", "--alac-max", "192000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildArgs(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewestDirLocator(t *testing.T) {
	now := time.Now()
	write := func(root, name string, mod time.Time) {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))
		require.NoError(t, os.Chtimes(p, mod, mod))
	}

	t.Run("album under artist", func(t *testing.T) {
		root := t.TempDir()
		write(root, "Artist/AlbumOne/01.m4a", now.Add(-time.Hour))
		write(root, "Artist/AlbumTwo/01.m4a", now.Add(time.Second))
		write(root, "Artist/AlbumTwo/02.m4a", now.Add(2*time.Second))
		write(root, "loose.txt", now.Add(time.Second))

		got, err := NewestDirLocator(root)(now)
		require.NoError(t, err)
		assert.Equal(t, "Artist/AlbumTwo", got)
	})

	t.Run("discs share the album", func(t *testing.T) {
		root := t.TempDir()
		write(root, "Artist/Box/Disc 1/01.m4a", now.Add(time.Second))
		write(root, "Artist/Box/Disc 2/01.m4a", now.Add(2*time.Second))
		write(root, ".partial/x.tmp", now.Add(3*time.Second))

		got, err := NewestDirLocator(root)(now)
		require.NoError(t, err)
		assert.Equal(t, "Artist/Box", got)
	})

	t.Run("unrelated top-level dirs fall back to newest", func(t *testing.T) {
		root := t.TempDir()
		write(root, "A/Album/01.m4a", now.Add(time.Second))
		write(root, "B/Album/01.m4a", now.Add(3*time.Second))

		got, err := NewestDirLocator(root)(now)
		require.NoError(t, err)
		assert.Equal(t, "B/Album", got)
	})

	t.Run("nothing written", func(t *testing.T) {
		root := t.TempDir()
		write(root, "Artist/Album/01.m4a", now.Add(-time.Hour))

		got, err := NewestDirLocator(root)(now)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = NewestDirLocator(filepath.Join(root, "missing"))(now)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
