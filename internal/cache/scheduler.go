// ============================================================================
// dlcache 快取排程器
// ============================================================================
//
// Package: internal/cache
// 文件: scheduler.go
// 功能: 週期性清理，與其他實例的排程器協作
//
// 每一輪:
//   1. 孤兒回收 - 重試刪除上一輪刪除失敗的目錄（除非已重新註冊）
//   2. 檔案系統對帳 - 掃描下載根目錄，不在索引中、且超過 UntrackedGrace 未修改的
//                     目錄（失敗或取消任務的殘留、註冊失敗的輸出）封存後刪除
//   3. TTL 清理 - 最後存取早於 now-TTL 的項目，取得租約後再次確認已過期才移除
//   4. 配額清理 - 使用量超過高水位時依 LRU 順序淘汰，直到低於低水位；
//                 被租約佔用的項目略過，沒有可淘汰項目時記錄超額並停止
//
// 多實例:
//   不依賴任何程序內協調。計數器與目錄只由持有該路徑租約的一方修改，
//   remove 本身冪等，所以多個排程器同時執行不會重複扣減或重複刪除。
//
// ============================================================================

package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/dlcache/internal/lease"
	"github.com/ChuLiYu/dlcache/internal/store"
)

// ErrAlreadyRunning 排程器已啟動
var ErrAlreadyRunning = errors.New("cache: scheduler already running")

// SweepReport 一輪清理的結果
type SweepReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Expired    []string      `json:"expired"`
	Evicted    []string      `json:"evicted"`
	Skipped    []string      `json:"skipped"` // 租約被佔用，下一輪重試
	Reconciled []string      `json:"reconciled"`
	Orphaned   []string      `json:"orphaned"` // 本輪刪除失敗的目錄
	Untracked  []string      `json:"untracked"` // 不在索引中而被刪除的目錄
	FreedBytes int64         `json:"freed_bytes"`
	DiskFreed  int64         `json:"disk_freed_bytes"` // 未計入計數器的未註冊目錄大小
	UsedBytes  int64         `json:"used_bytes"`
	OverQuota  bool          `json:"over_quota"`
	Errors     []string      `json:"errors,omitempty"`
}

// SweepObserver receives every finished report.
type SweepObserver func(SweepReport)

// Scheduler 週期清理排程器，可獨立於請求處理啟動與停止
type Scheduler struct {
	idx      *Index
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex // 保護 stopCh / running
	stopCh   chan struct{}
	running  bool
	loopWg   sync.WaitGroup
	cycleMu  sync.Mutex // 同一實例內一次只跑一輪
	last     SweepReport
	lastMu   sync.RWMutex
	observer SweepObserver
}

// NewScheduler 建立排程器
func NewScheduler(idx *Index, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		idx:      idx,
		interval: interval,
		log:      slog.With("component", "cache-scheduler"),
	}
}

// OnSweep installs an observer, typically metrics.
func (s *Scheduler) OnSweep(fn SweepObserver) { s.observer = fn }

// Start launches the periodic loop. When the cache is disabled it returns
// nil without starting anything.
func (s *Scheduler) Start() error {
	if !s.idx.Enabled() {
		s.log.Info("Cache disabled, scheduler not started")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.loopWg.Add(1)
	go s.loop(s.stopCh)
	s.log.Info("Scheduler started", "interval", s.interval)
	return nil
}

// Stop ends the loop and waits for an in-progress cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.loopWg.Wait()
	s.log.Info("Scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastReport returns the most recent report.
func (s *Scheduler) LastReport() SweepReport {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

// SchedulerStatus 排程器狀態快照
type SchedulerStatus struct {
	Enabled    bool          `json:"enabled"`
	Running    bool          `json:"running"`
	Interval   time.Duration `json:"interval"`
	LastReport SweepReport   `json:"last_report"`
}

// Status reports whether the loop runs and what the last cycle did.
func (s *Scheduler) Status() SchedulerStatus {
	return SchedulerStatus{
		Enabled:    s.idx.Enabled(),
		Running:    s.Running(),
		Interval:   s.interval,
		LastReport: s.LastReport(),
	}
}

func (s *Scheduler) loop(stopCh <-chan struct{}) {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("Sweep finished with errors", "error", err)
			}
		}
	}
}

// RunOnce performs one full cycle immediately. The returned error is
// ErrQuotaExceeded when the low watermark could not be reached, or the
// first store error; the report is filled either way.
func (s *Scheduler) RunOnce(ctx context.Context) (SweepReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	x := s.idx
	rep := SweepReport{StartedAt: x.opts.Now()}
	if !x.Enabled() {
		return rep, ErrDisabled
	}

	var firstErr error
	note := func(err error) {
		if err == nil {
			return
		}
		rep.Errors = append(rep.Errors, err.Error())
		if firstErr == nil {
			firstErr = err
		}
	}

	note(s.reconcileOrphans(ctx, &rep))
	note(s.sweepUntracked(ctx, &rep))
	note(s.sweepExpired(ctx, &rep))
	note(s.sweepQuota(ctx, &rep))

	if used, err := x.usedBytes(ctx); err == nil {
		rep.UsedBytes = used
	}
	rep.Duration = x.opts.Now().Sub(rep.StartedAt)

	s.lastMu.Lock()
	s.last = rep
	s.lastMu.Unlock()
	if s.observer != nil {
		s.observer(rep)
	}

	s.log.Info("Sweep completed",
		"expired", len(rep.Expired),
		"evicted", len(rep.Evicted),
		"skipped", len(rep.Skipped),
		"reconciled", len(rep.Reconciled),
		"untracked", len(rep.Untracked),
		"freed_bytes", rep.FreedBytes,
		"used_bytes", rep.UsedBytes)
	return rep, firstErr
}

// sweepExpired removes entries whose TTL lapsed.
func (s *Scheduler) sweepExpired(ctx context.Context, rep *SweepReport) error {
	x := s.idx
	cutoff := x.opts.Now().Add(-x.opts.TTL).UnixMilli()
	candidates, err := x.st.ZRangeByScore(ctx, lruKey, math.Inf(-1), float64(cutoff), 0, 0)
	if err != nil {
		return fmt.Errorf("ttl sweep: %w", err)
	}
	for _, c := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.withLease(ctx, c.Member, rep, func() error {
			expired, err := s.stillExpired(ctx, c.Member, cutoff)
			if err != nil || !expired {
				return err
			}
			freed, err := s.evict(ctx, c.Member, rep)
			if err != nil {
				return err
			}
			rep.Expired = append(rep.Expired, c.Member)
			rep.FreedBytes += freed
			s.log.Info("Expired cache entry removed", "path", c.Member, "size", freed)
			return nil
		})
		if err != nil && !entryLevel(err) {
			return err
		}
	}
	return nil
}

// stillExpired re-checks under the lease: a touch after the candidate scan
// refreshes both the marker and the score.
func (s *Scheduler) stillExpired(ctx context.Context, path string, cutoff int64) (bool, error) {
	x := s.idx
	score, err := x.st.ZScore(ctx, lruKey, path)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if int64(score) > cutoff {
		return false, nil
	}
	alive, err := x.st.Exists(ctx, dirKey(path))
	if err != nil {
		return false, err
	}
	return !alive, nil
}

// sweepQuota evicts least-recently-accessed entries while above the high
// watermark, down to the low watermark.
func (s *Scheduler) sweepQuota(ctx context.Context, rep *SweepReport) error {
	x := s.idx
	if x.opts.Quota <= 0 {
		return nil
	}
	high := int64(float64(x.opts.Quota) * x.opts.HighWatermark)
	low := int64(float64(x.opts.Quota) * x.opts.LowWatermark)

	used, err := x.usedBytes(ctx)
	if err != nil {
		return fmt.Errorf("quota sweep: %w", err)
	}
	if used <= high {
		return nil
	}
	s.log.Info("Cache above high watermark", "used_bytes", used, "high_bytes", high, "low_bytes", low)

	candidates, err := x.st.ZRange(ctx, lruKey, 0, -1, false)
	if err != nil {
		return fmt.Errorf("quota sweep: %w", err)
	}
	for _, c := range candidates {
		if used <= low {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.withLease(ctx, c.Member, rep, func() error {
			freed, err := s.evict(ctx, c.Member, rep)
			if err != nil {
				return err
			}
			rep.Evicted = append(rep.Evicted, c.Member)
			rep.FreedBytes += freed
			s.log.Info("LRU cache entry evicted", "path", c.Member, "size", freed)
			return nil
		})
		if err != nil && !entryLevel(err) {
			return err
		}
		// 其他實例可能同時在淘汰，以計數器為準
		if used, err = x.usedBytes(ctx); err != nil {
			return fmt.Errorf("quota sweep: %w", err)
		}
	}
	if used <= low {
		return nil
	}
	rep.OverQuota = true
	s.log.Warn("Quota sweep could not reach low watermark",
		"used_bytes", used, "low_bytes", low, "skipped", len(rep.Skipped))
	return fmt.Errorf("%w: used %d bytes, low watermark %d", ErrQuotaExceeded, used, low)
}

// reconcileOrphans retries deleting directories whose earlier deletion failed.
func (s *Scheduler) reconcileOrphans(ctx context.Context, rep *SweepReport) error {
	x := s.idx
	orphans, err := x.st.ZRange(ctx, orphansKey, 0, -1, false)
	if err != nil {
		return fmt.Errorf("orphan reconcile: %w", err)
	}
	for _, o := range orphans {
		path := o.Member
		err := s.withLease(ctx, path, rep, func() error {
			if _, err := x.st.ZScore(ctx, lruKey, path); err == nil {
				// 已重新註冊，目錄由索引追蹤
				_, err := x.st.ZRem(ctx, orphansKey, path)
				return err
			}
			if err := x.removeAll(x.Abs(path)); err != nil {
				s.log.Warn("Orphan directory still not removable", "path", path, "error", err)
				return nil
			}
			if _, err := x.st.ZRem(ctx, orphansKey, path); err != nil {
				return err
			}
			rep.Reconciled = append(rep.Reconciled, path)
			s.log.Info("Orphan directory removed", "path", path)
			return nil
		})
		if err != nil {
			return fmt.Errorf("orphan reconcile: %w", err)
		}
	}
	return nil
}

// ============================================================================
// 檔案系統對帳
// ============================================================================

// sweepUntracked walks the downloads root and removes directories the index
// does not track. Ancestors of tracked paths are descended into rather than
// removed; tracked, orphaned, excluded and hidden directories are left alone.
func (s *Scheduler) sweepUntracked(ctx context.Context, rep *SweepReport) error {
	x := s.idx
	members, err := x.st.ZRange(ctx, lruKey, 0, -1, false)
	if err != nil {
		return fmt.Errorf("untracked sweep: %w", err)
	}
	orphans, err := x.st.ZRange(ctx, orphansKey, 0, -1, false)
	if err != nil {
		return fmt.Errorf("untracked sweep: %w", err)
	}

	keep := make(map[string]bool, len(members)+len(orphans)+len(x.opts.Exclude))
	ancestors := make(map[string]bool)
	hold := func(p string) {
		keep[p] = true
		for a := path.Dir(p); a != "." && a != "/"; a = path.Dir(a) {
			ancestors[a] = true
		}
	}
	for _, m := range append(members, orphans...) {
		hold(m.Member)
	}
	for _, e := range x.opts.Exclude {
		if p, err := x.Normalize(e); err == nil {
			hold(p)
		}
	}

	cutoff := x.opts.Now().Add(-x.opts.UntrackedGrace)
	return s.scanUntracked(ctx, "", keep, ancestors, cutoff, rep)
}

func (s *Scheduler) scanUntracked(ctx context.Context, rel string, keep, ancestors map[string]bool, cutoff time.Time, rep *SweepReport) error {
	x := s.idx
	entries, err := os.ReadDir(x.Abs(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("untracked sweep: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := path.Join(rel, e.Name())
		switch {
		case keep[p]:
		case ancestors[p]:
			if err := s.scanUntracked(ctx, p, keep, ancestors, cutoff, rep); err != nil {
				return err
			}
		default:
			if err := s.removeUntracked(ctx, p, cutoff, rep); err != nil && !entryLevel(err) {
				return err
			}
		}
	}
	return nil
}

// removeUntracked deletes one untracked directory once nothing under it has
// changed since cutoff. Under the lease it re-checks that neither the path
// nor anything below it was registered meanwhile.
func (s *Scheduler) removeUntracked(ctx context.Context, p string, cutoff time.Time, rep *SweepReport) error {
	x := s.idx
	abs := x.Abs(p)
	newest, size, err := treeStat(ctx, abs)
	if err != nil {
		return fmt.Errorf("untracked sweep %s: %w", p, err)
	}
	if newest.After(cutoff) {
		return nil
	}
	return s.withLease(ctx, p, rep, func() error {
		tracked, err := x.tracksUnder(ctx, p)
		if err != nil || tracked {
			return err
		}
		if x.archiver != nil {
			if err := x.archiver.Archive(ctx, p, abs); err != nil {
				s.log.Warn("Archive failed, untracked directory kept", "path", p, "error", err)
				rep.Errors = append(rep.Errors, fmt.Sprintf("archive %s: %v", p, err))
				rep.Skipped = append(rep.Skipped, p)
				return errArchiveFailed
			}
		}
		if err := x.removeAll(abs); err != nil {
			// 下一輪掃描仍會看到它
			s.log.Warn("Untracked directory not removable", "path", p, "error", err)
			rep.Errors = append(rep.Errors, fmt.Sprintf("remove untracked %s: %v", p, err))
			return nil
		}
		rep.Untracked = append(rep.Untracked, p)
		rep.DiskFreed += size
		s.log.Info("Untracked directory removed", "path", p, "size", size, "last_modified", newest)
		return nil
	})
}

// treeStat returns the newest modification time and the total file size
// under dir, the directory itself included.
func treeStat(ctx context.Context, dir string) (time.Time, int64, error) {
	var (
		newest time.Time
		total  int64
	)
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if d.Type().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return newest, total, err
}

// withLease runs fn holding the path lease; a held lease skips the path.
func (s *Scheduler) withLease(ctx context.Context, path string, rep *SweepReport, fn func() error) error {
	l, err := lease.TryAcquire(ctx, s.idx.st, leaseKey(path), s.idx.opts.LeaseTTL)
	if errors.Is(err, lease.ErrConflict) {
		rep.Skipped = append(rep.Skipped, path)
		s.log.Debug("Path leased elsewhere, skipped", "path", path)
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = l.Release(ctx) }()
	return fn()
}

// evict archives (when configured) and removes path. An archive failure
// leaves the entry registered for the next cycle.
func (s *Scheduler) evict(ctx context.Context, path string, rep *SweepReport) (int64, error) {
	x := s.idx
	if x.archiver != nil {
		abs := x.Abs(path)
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			if err := x.archiver.Archive(ctx, path, abs); err != nil {
				s.log.Warn("Archive failed, eviction postponed", "path", path, "error", err)
				rep.Errors = append(rep.Errors, fmt.Sprintf("archive %s: %v", path, err))
				rep.Skipped = append(rep.Skipped, path)
				return 0, errArchiveFailed
			}
		}
	}
	freed, err := x.remove(ctx, path, true)
	if errors.Is(err, ErrPartialEviction) {
		rep.Orphaned = append(rep.Orphaned, path)
		rep.Errors = append(rep.Errors, err.Error())
		rep.FreedBytes += freed
	}
	return freed, err
}

var errArchiveFailed = errors.New("cache: archive failed")

// entryLevel reports errors that affect one entry only; the sweep goes on.
func entryLevel(err error) bool {
	return errors.Is(err, ErrPartialEviction) || errors.Is(err, errArchiveFailed)
}
