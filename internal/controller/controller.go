// ============================================================================
// dlcache 控制器 - 請求協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 把下載請求串成一條流程，協調去重鎖、任務儲存、程序監管與快取索引
//
// 請求流程:
//   Submit(req)
//     ├─ BuildArgs / Fingerprint
//     ├─ 去重鎖命中且任務仍有效 → 回傳既有任務
//     ├─ jobstore.Create → Queued
//     ├─ dedup.Acquire(fp, id)，輸給並發的相同請求 → 丟棄自己的任務
//     └─ pool.Submit(task)
//   Worker 執行 run(task)
//     ├─ supervisor.Start → Queued→Running
//     ├─ 每行輸出 → AppendLogs + ParseProgress/UpdateProgress
//     ├─ 輪詢 cancel_requested（跨實例取消）
//     └─ 程序結束 → Completed / Failed / Cancelled
//   轉換鉤子（只有 CAS 贏家會觸發，所以每個轉換恰好一次）
//     ├─ 任何終止狀態 → dedup.Release
//     └─ Running→Completed → cache.RegisterDir(output_dir)
//
// 核心循環:
//   Result Loop - 接收 worker 執行結果，記錄並通知觀察者
//
// 並發安全:
//   - 任務狀態只透過 jobstore 的 compare-and-set 改變，不依賴本地鎖
//   - running map 只記錄本實例擁有的程序，用於加速本地取消
//   - stopCh + WaitGroup 負責優雅關閉
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/dlcache/internal/cache"
	"github.com/ChuLiYu/dlcache/internal/dedup"
	"github.com/ChuLiYu/dlcache/internal/jobstore"
	"github.com/ChuLiYu/dlcache/internal/supervisor"
	"github.com/ChuLiYu/dlcache/internal/worker"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

var log = slog.Default()

// ErrStopped 控制器已停止，不再接受請求
var ErrStopped = errors.New("controller stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	MaxParallel int           // 同時執行的外部程序上限
	QueueSize   int           // 等待執行的任務緩衝
	JobTimeout  time.Duration // 單一任務執行上限，0 表示不限制
	CancelGrace time.Duration // SIGTERM 後等待多久才 SIGKILL
	CancelPoll  time.Duration // 檢查跨實例取消請求的間隔
	QueuedStale time.Duration // Queued 任務多久沒有心跳就視為擁有者已死亡
}

func (c *Config) defaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = time.Second
	}
	if c.QueuedStale <= 0 {
		c.QueuedStale = 30 * time.Minute
	}
}

// ResultObserver is told about every finished execution.
type ResultObserver func(worker.Result)

// Submission is the outcome of Submit.
type Submission struct {
	Job          types.Job `json:"job"`
	Deduplicated bool      `json:"deduplicated"`
}

// Controller 請求協調器
type Controller struct {
	jobs    *jobstore.Store
	dedup   *dedup.Lock
	cache   *cache.Index
	sup     supervisor.Supervisor
	locate  OutputLocator
	pool    *worker.Pool
	config  Config
	observe ResultObserver
	onSub   func(Submission)

	mu      sync.Mutex
	running map[types.JobID]*activeRun // 本實例擁有的程序
	queued  map[types.JobID]struct{}   // 本實例緩衝中、尚未啟動的任務
	started bool
	stopped bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// activeRun 本地執行中的任務
type activeRun struct {
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func (r *activeRun) requestCancel() { r.cancelOnce.Do(func() { close(r.cancelCh) }) }

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - jobs / lock / idx: 共享儲存上的三個元件
//   - sup: 外部程序監管
//   - locate: 找出任務輸出目錄，nil 時使用下載根目錄下最新的目錄
func NewController(config Config, jobs *jobstore.Store, lock *dedup.Lock, idx *cache.Index, sup supervisor.Supervisor, locate OutputLocator) *Controller {
	config.defaults()
	if locate == nil {
		locate = NewestDirLocator(idx.Root())
	}
	c := &Controller{
		jobs:    jobs,
		dedup:   lock,
		cache:   idx,
		sup:     sup,
		locate:  locate,
		config:  config,
		running: make(map[types.JobID]*activeRun),
		queued:  make(map[types.JobID]struct{}),
		stopCh:  make(chan struct{}),
	}
	c.pool = worker.NewPool(config.QueueSize, worker.RunnerFunc(c.run))
	jobs.OnTransition(c.onTransition)
	return c
}

// OnResult registers an observer for finished executions. Call before Start.
func (c *Controller) OnResult(fn ResultObserver) { c.observe = fn }

// OnSubmit registers an observer for accepted requests. Call before Start.
func (c *Controller) OnSubmit(fn func(Submission)) { c.onSub = fn }

func (c *Controller) accepted(sub Submission) Submission {
	if c.onSub != nil {
		c.onSub(sub)
	}
	return sub
}

// Start 啟動 Worker Pool 與結果循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	if err := c.pool.Start(c.config.MaxParallel); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.started = true

	c.loopWg.Add(2)
	go c.resultLoop()
	go c.heartbeatLoop()

	log.Info("Controller started", "max_parallel", c.config.MaxParallel)
	return nil
}

// resultLoop 處理 Worker 執行結果
// 注意：此循環會一直運行到 Pool 關閉為止
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				log.Info("Result loop stopped")
				return
			}
			log.Error("Failed to receive result", "error", err)
			continue
		}
		log.Info("job finished",
			"job_id", result.JobID,
			"status", result.Status,
			"exit_code", result.ExitCode,
			"duration", result.Duration)
		if c.observe != nil {
			c.observe(result)
		}
	}
}

// heartbeatLoop keeps this instance's queued jobs fresh so that other
// instances do not take them for abandoned.
func (c *Controller) heartbeatLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.QueuedStale / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		ids := make([]types.JobID, 0, len(c.queued))
		for id := range c.queued {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
			if _, err := c.jobs.Heartbeat(ctx, id); err != nil {
				log.Warn("queued job heartbeat failed", "job_id", id, "error", err)
			}
			cancel()
		}
	}
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → Submit 不再接受新請求
//  2. pool.Stop()   → 取消執行中的任務，runner 終止程序並標記為 Failed
//  3. pool.Drain()  → 緩衝中從未啟動的任務標記為 Failed（shutdown），釋放去重鎖
//  4. loopWg.Wait() → 等待結果與心跳循環退出
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)
	c.pool.Stop()
	for _, task := range c.pool.Drain() {
		c.failUnstarted(task.ID, errShutdown)
	}
	c.loopWg.Wait()
	log.Info("Controller stopped")
}

var errShutdown = errors.New("shutdown before the job started")

// failUnstarted ends a job that never got a process. A job that already left
// Queued (cancelled meanwhile) is left as it is.
func (c *Controller) failUnstarted(id types.JobID, reason error) {
	c.mu.Lock()
	delete(c.queued, id)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	_, err := c.jobs.Transition(ctx, id, types.StatusFailed,
		jobstore.WithExitCode(-1), jobstore.WithError(reason.Error()))
	var te *jobstore.TransitionError
	switch {
	case err == nil:
		log.Info("queued job failed", "job_id", id, "reason", reason)
	case errors.As(err, &te), errors.Is(err, jobstore.ErrJobNotFound):
	default:
		log.Warn("mark queued job failed", "job_id", id, "error", err)
	}
}

// joinable reports whether a new request may attach to job. A Queued job
// without a recent heartbeat belongs to an instance that went away; it is
// failed here so the fingerprint can be taken again.
func (c *Controller) joinable(ctx context.Context, job types.Job) bool {
	if job.Status.IsTerminal() {
		return false
	}
	if job.Status != types.StatusQueued || c.jobs.Idle(job) <= c.config.QueuedStale {
		return true
	}
	_, err := c.jobs.Transition(ctx, job.ID, types.StatusFailed,
		jobstore.WithExitCode(-1), jobstore.WithError("abandoned in queue"))
	var te *jobstore.TransitionError
	if errors.As(err, &te) {
		// 剛好被啟動或取消，以最新狀態為準
		cur, gerr := c.jobs.Get(ctx, job.ID)
		return gerr == nil && !cur.Status.IsTerminal()
	}
	if err != nil {
		log.Warn("fail abandoned job", "job_id", job.ID, "error", err)
		return true
	}
	log.Warn("abandoned queued job failed", "job_id", job.ID, "idle", c.jobs.Idle(job))
	return false
}

// ============================================================================
// 公開方法
// ============================================================================

// Submit 接受一個下載請求。相同請求在鎖有效期間會合併到同一個任務
func (c *Controller) Submit(ctx context.Context, req types.DownloadRequest) (Submission, error) {
	select {
	case <-c.stopCh:
		return Submission{}, ErrStopped
	default:
	}
	args, err := BuildArgs(req)
	if err != nil {
		return Submission{}, err
	}
	fp := dedup.Fingerprint(req)

	// 快速路徑：已有相同任務在跑就不必建立新任務
	if existing, ok := c.dedup.Lookup(ctx, fp); ok {
		if job, err := c.jobs.Get(ctx, existing); err == nil && c.joinable(ctx, job) {
			log.Info("request joined existing job", "job_id", job.ID, "fingerprint", fp)
			return c.accepted(Submission{Job: job, Deduplicated: true}), nil
		}
	}

	job, err := c.jobs.Create(ctx, args, fp)
	if err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}

	if dup, ok := c.acquire(ctx, fp, job); ok {
		c.discard(ctx, job.ID)
		return c.accepted(Submission{Job: dup, Deduplicated: true}), nil
	}

	task := worker.Task{ID: job.ID, Args: job.Args, Timeout: c.config.JobTimeout}
	c.mu.Lock()
	c.queued[job.ID] = struct{}{}
	c.mu.Unlock()
	if err := c.pool.Submit(task); err != nil {
		c.mu.Lock()
		delete(c.queued, job.ID)
		c.mu.Unlock()
		// 沒有 worker 會接手，直接結束這個任務
		failed, terr := c.jobs.Transition(ctx, job.ID, types.StatusFailed,
			jobstore.WithExitCode(-1), jobstore.WithError(err.Error()))
		if terr != nil {
			log.Warn("mark unscheduled job failed", "job_id", job.ID, "error", terr)
			return Submission{}, err
		}
		return Submission{Job: failed}, err
	}
	log.Info("job queued", "job_id", job.ID, "fingerprint", fp)
	return c.accepted(Submission{Job: job}), nil
}

// acquire takes the dedup lock for job. When another live job already owns
// the fingerprint it returns that job and true.
func (c *Controller) acquire(ctx context.Context, fp string, job types.Job) (types.Job, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		res := c.dedup.Acquire(ctx, fp, job.ID)
		if res.Acquired {
			return types.Job{}, false
		}
		existing, err := c.jobs.Get(ctx, res.ExistingJobID)
		if err == nil && c.joinable(ctx, existing) {
			return existing, true
		}
		// 鎖指向已結束、已消失或被遺棄的任務（持有者崩潰），清掉後重試
		if rerr := c.dedup.Release(ctx, fp, res.ExistingJobID); rerr != nil {
			log.Warn("release stale dedup lock failed", "fingerprint", fp, "error", rerr)
			return types.Job{}, false
		}
	}
	return types.Job{}, false
}

// discard removes a job that lost the dedup race before it was ever scheduled.
func (c *Controller) discard(ctx context.Context, id types.JobID) {
	if _, err := c.jobs.Transition(ctx, id, types.StatusCancelled, jobstore.WithError("duplicate request")); err != nil {
		log.Warn("cancel duplicate job failed", "job_id", id, "error", err)
		return
	}
	if err := c.jobs.Delete(ctx, id); err != nil {
		log.Warn("delete duplicate job failed", "job_id", id, "error", err)
	}
}

// SubmitBatch 逐一提交，單一請求失敗不影響其他請求
func (c *Controller) SubmitBatch(ctx context.Context, reqs []types.DownloadRequest) ([]Submission, []error) {
	subs := make([]Submission, len(reqs))
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		subs[i], errs[i] = c.Submit(ctx, req)
	}
	return subs, errs
}

// Cancel 取消任務。
//
// Queued 任務直接轉為 Cancelled；Running 任務記錄取消意圖，
// 若程序在本實例執行則立即通知，否則由擁有者在下一次輪詢時處理。
func (c *Controller) Cancel(ctx context.Context, id types.JobID) (types.Job, error) {
	job, err := c.jobs.RequestCancel(ctx, id)
	if err != nil {
		return types.Job{}, err
	}
	if job.Status == types.StatusRunning {
		c.mu.Lock()
		r := c.running[id]
		c.mu.Unlock()
		if r != nil {
			r.requestCancel()
		}
	}
	log.Info("cancel requested", "job_id", id, "status", job.Status)
	return job, nil
}

// Running returns the ids of jobs whose process runs on this instance.
func (c *Controller) Running() []types.JobID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]types.JobID, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	return ids
}

// GetStatus 取得本實例狀態
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"max_parallel": c.config.MaxParallel,
		"running":      len(c.running),
		"pending":      c.pool.Pending(),
		"queued":       len(c.queued),
		"started":      c.started,
		"stopped":      c.stopped,
	}
}

// ============================================================================
// 轉換鉤子
// ============================================================================

func (c *Controller) onTransition(ctx context.Context, from types.JobStatus, job types.Job) {
	if !job.Status.IsTerminal() {
		return
	}
	if err := c.dedup.Release(ctx, job.Fingerprint, job.ID); err != nil {
		log.Warn("release dedup lock failed", "job_id", job.ID, "error", err)
	}
	if from != types.StatusRunning || job.Status != types.StatusCompleted {
		return
	}
	if !c.cache.Enabled() || job.OutputDir == "" {
		return
	}
	path, size, err := c.cache.RegisterDir(ctx, job.OutputDir)
	if err != nil {
		log.Warn("register output dir failed", "job_id", job.ID, "dir", job.OutputDir, "error", err)
		return
	}
	log.Info("output registered", "job_id", job.ID, "path", path, "size", size)
}
