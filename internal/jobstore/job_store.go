// ============================================================================
// dlcache 任務儲存 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobstore
// 文件: job_store.go
// 功能: 管理任務記錄、進度快照、日誌緩衝，以及任務狀態轉換
//
// 任務狀態轉換 (State Machine):
//   Queued (已接受)
//      ├─ 程序啟動            → Running
//      ├─ 取消請求            → Cancelled（不啟動程序）
//      └─ 啟動失敗            → Failed
//   Running (執行中)
//      ├─ exit code == 0     → Completed
//      ├─ exit code != 0     → Failed
//      └─ 取消並確認終止       → Cancelled
//   Completed / Failed / Cancelled 為終止狀態，沒有任何出邊
//
// 線性化:
//   每次轉換都是對 status 欄位的 compare-and-set，同一任務不可能有兩個轉換
//   同時成功；失敗者收到 *TransitionError，不會被靜默覆寫。
//
// 鍵配置:
//   job:{id}           hash   任務記錄
//   job:{id}:progress  hash   進度快照（整體覆寫，以 updated_at 決定新舊）
//   job:{id}:logs      list   日誌，上限 MaxLogLines，超出時丟棄最舊的行
//   jobs:index         zset   id → 建立時間（毫秒），用於分頁列出
//
// 保留:
//   進入終止狀態時三個鍵都設定 Retention 過期時間；列出時順便清掉已過期的 id。
//
// ============================================================================

package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/dlcache/internal/lease"
	"github.com/ChuLiYu/dlcache/internal/logring"
	"github.com/ChuLiYu/dlcache/internal/store"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在（或已超過保留期限）
	ErrJobNotFound = errors.New("job not found")
	// 狀態機拒絕的轉換
	ErrInvalidTransition = errors.New("invalid job state transition")
	// 任務仍在執行，不能刪除
	ErrJobActive = errors.New("job is not in a terminal state")
)

// TransitionError 描述被拒絕的轉換
type TransitionError struct {
	ID   types.JobID
	From types.JobStatus
	To   types.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// transitions 合法的狀態轉換表
var transitions = map[types.JobStatus][]types.JobStatus{
	types.StatusQueued:  {types.StatusRunning, types.StatusCancelled, types.StatusFailed},
	types.StatusRunning: {types.StatusCompleted, types.StatusFailed, types.StatusCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to types.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	indexKey = "jobs:index"

	fieldStatus = "status"
	fieldCancel = "cancel_requested"
	tsField     = "updated_at"
)

func jobKey(id types.JobID) string      { return "job:" + string(id) }
func progressKey(id types.JobID) string { return "job:" + string(id) + ":progress" }
func logsKey(id types.JobID) string     { return "job:" + string(id) + ":logs" }
func deleteLeaseKey(id types.JobID) string {
	return "lock:job:" + string(id)
}

// Options 任務儲存設定
type Options struct {
	Retention   time.Duration    // 終止後保留多久，預設 24h
	MaxLogLines int              // 每個任務的日誌上限，預設 5000
	Now         func() time.Time // 測試用時鐘
}

// TransitionHook runs after a transition commits. Only the caller whose
// compare-and-set won sees it, so each transition fires hooks exactly once.
type TransitionHook func(ctx context.Context, from types.JobStatus, job types.Job)

// Store 任務儲存，所有狀態都在共享儲存中，實例本身無狀態
type Store struct {
	st   store.Store
	opts Options

	mu    sync.RWMutex
	hooks []TransitionHook
}

// New 建立任務儲存
func New(st store.Store, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.MaxLogLines <= 0 {
		opts.MaxLogLines = logring.DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{st: st, opts: opts}
}

// OnTransition registers a hook.
func (s *Store) OnTransition(h TransitionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// liveTTL bounds the lifetime of progress and logs of a job that never
// reaches a terminal state.
func (s *Store) liveTTL() time.Duration { return 2 * s.opts.Retention }

// ============================================================================
// 建立與讀取
// ============================================================================

// Create 建立新任務，初始狀態為 Queued
func (s *Store) Create(ctx context.Context, args []string, fingerprint string) (types.Job, error) {
	now := s.opts.Now().UnixMilli()
	job := types.Job{
		ID:          types.JobID(uuid.NewString()),
		Args:        append([]string(nil), args...),
		Fingerprint: fingerprint,
		Status:      types.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.Args == nil {
		job.Args = []string{}
	}
	if err := s.st.HSet(ctx, jobKey(job.ID), encodeJob(job)); err != nil {
		return types.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.st.ZAdd(ctx, indexKey, string(job.ID), float64(now)); err != nil {
		return types.Job{}, fmt.Errorf("index job: %w", err)
	}
	return job, nil
}

// Get 讀取任務記錄
func (s *Store) Get(ctx context.Context, id types.JobID) (types.Job, error) {
	h, err := s.st.HGetAll(ctx, jobKey(id))
	if err != nil {
		return types.Job{}, err
	}
	if len(h) == 0 {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return decodeJob(id, h)
}

// ============================================================================
// 日誌與進度
// ============================================================================

// AppendLogs 追加日誌行，保持追加順序並套用上限
func (s *Store) AppendLogs(ctx context.Context, id types.JobID, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	return s.st.RPushCapped(ctx, logsKey(id), s.opts.MaxLogLines, s.liveTTL(), lines...)
}

// Tail 回傳最多 n 行最新的日誌，依原始順序；n <= 0 回傳全部保留的行
func (s *Store) Tail(ctx context.Context, id types.JobID, n int) ([]string, error) {
	if err := s.mustExist(ctx, id); err != nil {
		return nil, err
	}
	start := int64(0)
	if n > 0 {
		start = -int64(n)
	}
	return s.st.LRange(ctx, logsKey(id), start, -1)
}

// UpdateProgress 整體覆寫進度快照。較舊的時間戳會被忽略並回傳 false
func (s *Store) UpdateProgress(ctx context.Context, id types.JobID, p types.Progress) (bool, error) {
	if p.UpdatedAt == 0 {
		p.UpdatedAt = s.opts.Now().UnixMilli()
	}
	fields := map[string]string{
		"phase":      p.Phase,
		"percent":    strconv.Itoa(clampPercent(p.Percent)),
		"speed":      p.Speed,
		"downloaded": p.Downloaded,
		"total":      p.Total,
	}
	return s.st.HReplaceIfNewer(ctx, progressKey(id), tsField, p.UpdatedAt, fields, s.liveTTL())
}

// GetProgress 讀取進度；尚無進度時 ok 為 false
func (s *Store) GetProgress(ctx context.Context, id types.JobID) (types.Progress, bool, error) {
	h, err := s.st.HGetAll(ctx, progressKey(id))
	if err != nil {
		return types.Progress{}, false, err
	}
	if len(h) == 0 {
		return types.Progress{}, false, nil
	}
	pct, _ := strconv.Atoi(h["percent"])
	ts, _ := strconv.ParseInt(h[tsField], 10, 64)
	return types.Progress{
		Phase:      h["phase"],
		Percent:    pct,
		Speed:      h["speed"],
		Downloaded: h["downloaded"],
		Total:      h["total"],
		UpdatedAt:  ts,
	}, true, nil
}

func clampPercent(p int) int {
	return int(math.Max(0, math.Min(100, float64(p))))
}

// ============================================================================
// 狀態轉換
// ============================================================================

// TransitionOption 在轉換時一併寫入的欄位
type TransitionOption func(map[string]string)

// WithExitCode 記錄結束碼
func WithExitCode(code int) TransitionOption {
	return func(f map[string]string) { f["exit_code"] = strconv.Itoa(code) }
}

// WithError 記錄失敗原因
func WithError(msg string) TransitionOption {
	return func(f map[string]string) { f["error"] = msg }
}

// WithOutputDir 記錄輸出目錄（相對於下載根目錄）
func WithOutputDir(dir string) TransitionOption {
	return func(f map[string]string) { f["output_dir"] = dir }
}

// Transition moves job id to state to. It returns *TransitionError when the
// current state does not allow it, including when a concurrent caller won.
func (s *Store) Transition(ctx context.Context, id types.JobID, to types.JobStatus, opts ...TransitionOption) (types.Job, error) {
	cur, err := s.st.HGet(ctx, jobKey(id), fieldStatus)
	if errors.Is(err, store.ErrNotFound) {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return types.Job{}, err
	}
	from := types.JobStatus(cur)
	if !CanTransition(from, to) {
		return types.Job{}, &TransitionError{ID: id, From: from, To: to}
	}

	fields := map[string]string{
		fieldStatus: string(to),
		tsField:     strconv.FormatInt(s.opts.Now().UnixMilli(), 10),
	}
	for _, o := range opts {
		o(fields)
	}
	ok, observed, err := s.st.HCompareAndSet(ctx, jobKey(id), fieldStatus, string(from), fields)
	if errors.Is(err, store.ErrNotFound) {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return types.Job{}, err
	}
	if !ok {
		// 另一個呼叫者搶先轉換
		return types.Job{}, &TransitionError{ID: id, From: types.JobStatus(observed), To: to}
	}

	if to.IsTerminal() {
		s.applyRetention(ctx, id)
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return types.Job{}, err
	}
	log.Debug("job transition", "job_id", id, "from", from, "to", to)

	s.mu.RLock()
	hooks := append([]TransitionHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, from, job)
	}
	return job, nil
}

// Heartbeat refreshes updated_at of a job that is still Queued, so other
// instances can tell a live queue from one whose owner died. It reports
// whether the job was still queued.
func (s *Store) Heartbeat(ctx context.Context, id types.JobID) (bool, error) {
	ok, _, err := s.st.HCompareAndSet(ctx, jobKey(id), fieldStatus, string(types.StatusQueued),
		map[string]string{tsField: strconv.FormatInt(s.opts.Now().UnixMilli(), 10)})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return ok, err
}

// Idle returns how long ago job was last transitioned or heartbeated.
func (s *Store) Idle(job types.Job) time.Duration {
	return s.opts.Now().Sub(time.UnixMilli(job.UpdatedAt))
}

func (s *Store) applyRetention(ctx context.Context, id types.JobID) {
	ttl := s.opts.Retention
	err := s.st.Atomic(ctx,
		store.ExpireOp(jobKey(id), ttl),
		store.ExpireOp(progressKey(id), ttl),
		store.ExpireOp(logsKey(id), ttl),
	)
	if err != nil {
		log.Warn("set job retention failed", "job_id", id, "error", err)
	}
}

// RequestCancel 取消任務。
//
//   - Queued: 直接轉為 Cancelled，回傳 started=false
//   - Running: 記錄 cancel_requested，由擁有程序的實例終止後再轉為 Cancelled
//   - 終止狀態: 回傳 *TransitionError
func (s *Store) RequestCancel(ctx context.Context, id types.JobID) (types.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := s.Get(ctx, id)
		if err != nil {
			return types.Job{}, err
		}
		switch job.Status {
		case types.StatusQueued:
			job, err := s.Transition(ctx, id, types.StatusCancelled)
			var te *TransitionError
			if errors.As(err, &te) && te.From == types.StatusRunning {
				continue // 剛好被啟動，改走 Running 路徑
			}
			return job, err
		case types.StatusRunning:
			ok, observed, err := s.st.HCompareAndSet(ctx, jobKey(id), fieldStatus, string(types.StatusRunning),
				map[string]string{fieldCancel: "1"})
			if err != nil {
				return types.Job{}, err
			}
			if !ok && types.JobStatus(observed).IsTerminal() {
				return types.Job{}, &TransitionError{ID: id, From: types.JobStatus(observed), To: types.StatusCancelled}
			}
			if !ok {
				continue
			}
			job.CancelRequested = true
			return job, nil
		default:
			return types.Job{}, &TransitionError{ID: id, From: job.Status, To: types.StatusCancelled}
		}
	}
	return types.Job{}, fmt.Errorf("cancel job %s: state kept changing", id)
}

// CancelRequested reports whether a cancel was recorded for a running job.
func (s *Store) CancelRequested(ctx context.Context, id types.JobID) (bool, error) {
	v, err := s.st.HGet(ctx, jobKey(id), fieldCancel)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return v == "1", err
}

// ============================================================================
// 列出與刪除
// ============================================================================

// Page 分頁結果
type Page struct {
	Jobs  []types.Job `json:"jobs"`
	Total int64       `json:"total"`
}

// List 依建立時間列出任務；newestFirst 為 true 時最新的在前
func (s *Store) List(ctx context.Context, offset, limit int, newestFirst bool) (Page, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	page := Page{Jobs: []types.Job{}}
	// 已過期的 id 被移除後不再佔用排名，cursor 只在保留的成員上前進
	cursor := int64(offset)
	for len(page.Jobs) < limit {
		want := int64(limit - len(page.Jobs))
		members, err := s.st.ZRange(ctx, indexKey, cursor, cursor+want-1, newestFirst)
		if err != nil {
			return Page{}, err
		}
		if len(members) == 0 {
			break
		}
		for _, m := range members {
			job, err := s.Get(ctx, types.JobID(m.Member))
			if errors.Is(err, ErrJobNotFound) {
				if _, err := s.st.ZRem(ctx, indexKey, m.Member); err != nil {
					cursor++
				}
				continue
			}
			if err != nil {
				return Page{}, err
			}
			page.Jobs = append(page.Jobs, job)
			cursor++
		}
	}
	total, err := s.st.ZCard(ctx, indexKey)
	if err != nil {
		return Page{}, err
	}
	page.Total = total
	return page, nil
}

// Delete 以單一原子操作刪除任務記錄、進度與日誌。只能刪除終止狀態的任務
func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	l, err := lease.TryAcquire(ctx, s.st, deleteLeaseKey(id), time.Minute)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release(ctx) }()

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, id, job.Status)
	}
	return s.st.Atomic(ctx,
		store.DelOp(jobKey(id), progressKey(id), logsKey(id)),
		store.ZRemOp(indexKey, string(id)),
	)
}

func (s *Store) mustExist(ctx context.Context, id types.JobID) error {
	ok, err := s.st.Exists(ctx, jobKey(id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// ============================================================================
// 編碼
// ============================================================================

func encodeJob(j types.Job) map[string]string {
	args, _ := json.Marshal(j.Args)
	f := map[string]string{
		"id":          string(j.ID),
		"args":        string(args),
		"fingerprint": j.Fingerprint,
		fieldStatus:   string(j.Status),
		"created_at":  strconv.FormatInt(j.CreatedAt, 10),
		tsField:       strconv.FormatInt(j.UpdatedAt, 10),
	}
	return f
}

func decodeJob(id types.JobID, h map[string]string) (types.Job, error) {
	j := types.Job{
		ID:              id,
		Fingerprint:     h["fingerprint"],
		Status:          types.JobStatus(h[fieldStatus]),
		CancelRequested: h[fieldCancel] == "1",
		OutputDir:       h["output_dir"],
		Error:           h["error"],
	}
	if !j.Status.Valid() {
		return types.Job{}, fmt.Errorf("job %s: corrupt status %q", id, h[fieldStatus])
	}
	if err := json.Unmarshal([]byte(h["args"]), &j.Args); err != nil {
		return types.Job{}, fmt.Errorf("job %s: decode args: %w", id, err)
	}
	if v, ok := h["exit_code"]; ok {
		code, err := strconv.Atoi(v)
		if err == nil {
			j.ExitCode = &code
		}
	}
	j.CreatedAt, _ = strconv.ParseInt(h["created_at"], 10, 64)
	j.UpdatedAt, _ = strconv.ParseInt(h[tsField], 10, 64)
	return j, nil
}
