package cli

// ============================================================================
// 職責說明：
// 1. 依設定組裝共享儲存、任務儲存、快取索引、去重鎖、執行器與清理排程
// 2. Redis 無法連線時降級為單實例記憶體儲存（可選快照持久化）
// 3. 掛上 Prometheus 指標觀察者
// 4. 啟動 HTTP 與 gRPC，收到訊號後依序優雅關閉
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/dlcache/internal/archive"
	"github.com/ChuLiYu/dlcache/internal/cache"
	"github.com/ChuLiYu/dlcache/internal/config"
	"github.com/ChuLiYu/dlcache/internal/controller"
	"github.com/ChuLiYu/dlcache/internal/dedup"
	"github.com/ChuLiYu/dlcache/internal/httpapi"
	"github.com/ChuLiYu/dlcache/internal/jobstore"
	"github.com/ChuLiYu/dlcache/internal/metrics"
	"github.com/ChuLiYu/dlcache/internal/server"
	"github.com/ChuLiYu/dlcache/internal/snapshot"
	"github.com/ChuLiYu/dlcache/internal/store"
	"github.com/ChuLiYu/dlcache/internal/supervisor"
	"github.com/ChuLiYu/dlcache/internal/worker"
)

const (
	statsInterval   = 15 * time.Second
	shutdownTimeout = 15 * time.Second
)

func buildServeCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dlcache service",
		Long:  "Start the HTTP and gRPC surfaces, the job runner and the cache cleanup scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			if err := installLogger(cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func installLogger(cfg *config.Config) error {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))
	// 套件層級的 logger 經由 log 橋接輸出，門檻跟著設定走
	slog.SetLogLoggerLevel(level)
	return nil
}

// ============================================================================
// runtime
// ============================================================================

type runtime struct {
	cfg       *config.Config
	store     store.Store
	persister *snapshot.Persister // 只在記憶體模式且設定快照路徑時存在
	jobs      *jobstore.Store
	cache     *cache.Index
	sched     *cache.Scheduler
	ctl       *controller.Controller
	metrics   *metrics.Collector // 未啟用時為 nil

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// newRuntime wires every component but starts nothing.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	st, persister, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	jobs := jobstore.New(st, jobstore.Options{
		Retention:   cfg.Jobs.Retention,
		MaxLogLines: cfg.Jobs.MaxLogLines,
	})

	opts := cache.DefaultOptions()
	opts.Enabled = cfg.Cache.Enabled
	opts.Root = cfg.Cache.DownloadsRoot
	opts.TTL = cfg.Cache.TTL
	opts.Quota = cfg.Cache.MaxBytes
	opts.HighWatermark = cfg.Cache.HighWatermark
	opts.LowWatermark = cfg.Cache.LowWatermark
	opts.LeaseTTL = cfg.Cache.LeaseTTL
	opts.RemoveWait = cfg.Cache.RemoveWait
	opts.UntrackedGrace = cfg.Cache.UntrackedGrace
	opts.Exclude = excludedDirs(cfg)
	idx := cache.NewIndex(st, opts)

	if cfg.Archive.Enabled {
		arch, err := newArchiver(ctx, cfg)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		idx.SetArchiver(arch)
	}

	sup := &supervisor.Exec{
		Bin:    cfg.Downloader.Bin,
		Prefix: cfg.Downloader.Args,
		Dir:    cfg.Downloader.Workdir,
	}
	ctl := controller.NewController(controller.Config{
		MaxParallel: cfg.Jobs.MaxParallel,
		JobTimeout:  cfg.Jobs.Timeout,
		CancelGrace: cfg.Jobs.CancelGrace,
		QueuedStale: cfg.Jobs.QueuedStale,
	}, jobs, dedup.New(st, cfg.Dedup.LockTTL, cfg.Dedup.Enabled), idx, sup, nil)

	rt := &runtime{
		cfg:       cfg,
		store:     st,
		persister: persister,
		jobs:      jobs,
		cache:     idx,
		sched:     cache.NewScheduler(idx, cfg.Cache.CleanupInterval),
		ctl:       ctl,
		stopCh:    make(chan struct{}),
	}
	if cfg.Metrics.Enabled {
		rt.attachMetrics(metrics.NewCollector())
	}
	return rt, nil
}

// excludedDirs lists service-owned directories that live under the downloads
// root and must survive the untracked sweep.
func excludedDirs(cfg *config.Config) []string {
	var out []string
	add := func(dir string) {
		if dir == "" {
			return
		}
		root, err1 := filepath.Abs(cfg.Cache.DownloadsRoot)
		abs, err2 := filepath.Abs(dir)
		if err1 != nil || err2 != nil {
			return
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return
		}
		out = append(out, filepath.ToSlash(rel))
	}
	if cfg.Archive.Enabled && cfg.Archive.MinIO.Endpoint == "" {
		add(cfg.Archive.Dir)
	}
	if cfg.Snapshot.Path != "" {
		add(filepath.Dir(cfg.Snapshot.Path))
	}
	return out
}

// openStore connects to Redis, or falls back to the in-memory store when no
// URL is configured or the server cannot be reached.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *snapshot.Persister, error) {
	if cfg.Redis.URL != "" {
		policy := store.DefaultRetryPolicy()
		policy.OpTimeout = cfg.Redis.OpTimeout
		policy.MaxElapsed = cfg.Redis.RetryMaxElapsed
		rs, err := store.NewRedis(ctx, cfg.Redis.URL, policy)
		if err == nil {
			log().Info("using shared redis store", "url", redactURL(cfg.Redis.URL))
			return rs, nil, nil
		}
		log().Warn("shared store unavailable, running single-instance with in-memory store",
			"url", redactURL(cfg.Redis.URL), "error", err)
	}

	mem := store.NewMemory()
	if cfg.Snapshot.Path == "" {
		return mem, nil, nil
	}
	p := snapshot.NewPersister(snapshot.NewManager(cfg.Snapshot.Path), mem, cfg.Snapshot.Interval)
	if _, err := p.Restore(); err != nil {
		// 損壞的快照不阻止啟動，下一次寫入會覆蓋
		log().Warn("snapshot not restored, starting empty", "path", cfg.Snapshot.Path, "error", err)
	}
	return mem, p, nil
}

func newArchiver(ctx context.Context, cfg *config.Config) (cache.Archiver, error) {
	if m := cfg.Archive.MinIO; m.Endpoint != "" {
		arch, err := archive.NewMinIO(ctx, archive.MinIOOptions{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
			UseSSL:    m.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up archive: %w", err)
		}
		return arch, nil
	}
	return &archive.Local{Dir: cfg.Archive.Dir}, nil
}

func (rt *runtime) attachMetrics(m *metrics.Collector) {
	rt.metrics = m
	rt.jobs.OnTransition(m.JobTransition)
	rt.sched.OnSweep(m.ObserveSweep)
	rt.ctl.OnResult(func(r worker.Result) { m.RecordJobDuration(r.Status, r.Duration) })
	rt.ctl.OnSubmit(func(s controller.Submission) { m.RecordSubmit(s.Deduplicated) })
}

func (rt *runtime) start() error {
	if err := rt.ctl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	if rt.cfg.Cache.Enabled {
		if err := rt.sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if rt.persister != nil {
		rt.persister.Start()
	}
	if rt.metrics != nil {
		rt.wg.Add(1)
		go rt.statsLoop()
	}
	return nil
}

// statsLoop refreshes the cache gauges.
func (rt *runtime) statsLoop() {
	defer rt.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		rt.refreshStats()
		select {
		case <-rt.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (rt *runtime) refreshStats() {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Redis.OpTimeout+time.Second)
	defer cancel()
	st, err := rt.cache.Stats(ctx)
	if err != nil {
		log().Debug("cache stats unavailable", "error", err)
		return
	}
	rt.metrics.UpdateCacheStats(st)
}

// stop shuts the background parts down. Queued jobs stay queued in the store.
func (rt *runtime) stop() {
	close(rt.stopCh)
	rt.wg.Wait()
	rt.sched.Stop()
	rt.ctl.Stop()
	if rt.persister != nil {
		if err := rt.persister.Stop(); err != nil {
			log().Error("final snapshot failed", "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		log().Warn("store close failed", "error", err)
	}
}

// ============================================================================
// serve
// ============================================================================

func serve(ctx context.Context, cfg *config.Config) error {
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	if err := rt.start(); err != nil {
		rt.stop()
		return err
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		rt.stop()
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}
	grpcSrv := server.NewServer(rt.ctl, rt.jobs, rt.cache, rt.sched)

	deps := httpapi.Deps{
		Store:      rt.store,
		Controller: rt.ctl,
		Jobs:       rt.jobs,
		Cache:      rt.cache,
		Scheduler:  rt.sched,
	}
	if rt.metrics != nil {
		deps.Metrics = rt.metrics.Handler()
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log().Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log().Info("grpc server listening", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	log().Info("dlcache started",
		"downloads_root", cfg.Cache.DownloadsRoot,
		"cache_enabled", cfg.Cache.Enabled,
		"max_parallel", cfg.Jobs.MaxParallel)

	var runErr error
	select {
	case <-ctx.Done():
		log().Info("received shutdown signal, stopping gracefully")
	case runErr = <-errCh:
		log().Error("server failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log().Warn("http shutdown incomplete", "error", err)
	}
	grpcSrv.Stop()
	rt.stop()

	log().Info("dlcache stopped")
	return runErr
}

// log returns the process logger installed by installLogger.
func log() *slog.Logger { return slog.Default() }
