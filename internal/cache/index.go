// ============================================================================
// dlcache 快取索引
// ============================================================================
//
// Package: internal/cache
// 文件: index.go
// 功能: 追蹤下載根目錄下的目錄，提供 TTL、LRU 排序與總位元組計數
//
// 鍵配置 (共享儲存):
//   dir:{path}        string  TTL 標記，值為註冊時間（毫秒）
//   cache:lru         zset    path → 最後存取時間（毫秒）
//   cache:bytes       counter 所有已註冊目錄大小的總和
//   cache:sizes       hash    path → 註冊時記錄的大小
//   cache:orphans     zset    path → 刪除失敗的時間，下一輪重試
//   lock:dir:{path}   lease   目錄互斥
//
// 計數不變式:
//   cache:bytes 只在 HSETNX cache:sizes 成功時增加，只在 HDEL 實際刪除欄位時
//   減少，兩者在儲存端同一步完成，所以重複註冊、重試或並發移除都不會重複計算。
//
// 索引是權威，不是檔案系統：不在索引中的目錄一律可被排程器移除
// （scheduler.go 的 sweepUntracked，超過 UntrackedGrace 未修改才動手）。
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
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/dlcache/internal/lease"
	"github.com/ChuLiYu/dlcache/internal/store"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

var log = slog.Default()

var (
	// ErrDisabled 快取管理已關閉
	ErrDisabled = errors.New("cache: disabled")
	// ErrNotTracked 目錄不在索引中
	ErrNotTracked = errors.New("cache: path not tracked")
	// ErrInvalidPath 路徑為空或逃出下載根目錄
	ErrInvalidPath = errors.New("cache: invalid path")
	// ErrPartialEviction 中繼資料已移除但目錄刪除失敗，已記錄為孤兒
	ErrPartialEviction = errors.New("cache: partial eviction")
	// ErrQuotaExceeded 配額清理無法降到低水位
	ErrQuotaExceeded = errors.New("cache: quota exceeded")
)

const (
	lruKey     = "cache:lru"
	bytesKey   = "cache:bytes"
	sizesKey   = "cache:sizes"
	orphansKey = "cache:orphans"
)

func dirKey(path string) string   { return "dir:" + path }
func leaseKey(path string) string { return "lock:dir:" + path }

// Options 快取設定
type Options struct {
	Enabled        bool
	Root           string        // 下載根目錄
	TTL            time.Duration // 項目存活時間
	Quota          int64         // 位元組配額，0 表示不限制
	HighWatermark  float64       // 超過 Quota*High 開始淘汰
	LowWatermark   float64       // 淘汰到 Quota*Low 為止
	LeaseTTL       time.Duration // 目錄租約存活時間
	RemoveWait     time.Duration // Remove 等待租約的上限
	SizeTimeout    time.Duration // 計算目錄大小的上限
	UntrackedGrace time.Duration // 未註冊目錄最後修改後保留多久，執行中的下載持續寫入不會被誤刪
	Exclude        []string      // 清理時永遠略過的路徑（相對於根目錄），例如本地封存目錄
	Now            func() time.Time
}

// DefaultOptions 預設值
func DefaultOptions() Options {
	return Options{
		Enabled:        true,
		Root:           "downloads",
		TTL:            24 * time.Hour,
		Quota:          10 << 30,
		HighWatermark:  0.9,
		LowWatermark:   0.8,
		LeaseTTL:       5 * time.Minute,
		RemoveWait:     5 * time.Second,
		SizeTimeout:    30 * time.Second,
		UntrackedGrace: time.Hour,
		Now:            time.Now,
	}
}

// Archiver copies a directory somewhere permanent before it is deleted.
type Archiver interface {
	Archive(ctx context.Context, relPath, absDir string) error
}

// Index 快取索引
type Index struct {
	st        store.Store
	opts      Options
	archiver  Archiver
	removeAll func(string) error
}

// NewIndex 建立快取索引
func NewIndex(st store.Store, opts Options) *Index {
	def := DefaultOptions()
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = def.LeaseTTL
	}
	if opts.RemoveWait <= 0 {
		opts.RemoveWait = def.RemoveWait
	}
	if opts.SizeTimeout <= 0 {
		opts.SizeTimeout = def.SizeTimeout
	}
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.Root == "" {
		opts.Root = def.Root
	}
	if opts.UntrackedGrace <= 0 {
		opts.UntrackedGrace = def.UntrackedGrace
	}
	return &Index{st: st, opts: opts, removeAll: os.RemoveAll}
}

// SetArchiver installs an archiver used by the scheduler before eviction.
func (x *Index) SetArchiver(a Archiver) { x.archiver = a }

// Enabled reports whether cache management is on.
func (x *Index) Enabled() bool { return x.opts.Enabled }

// Root returns the downloads root.
func (x *Index) Root() string { return x.opts.Root }

// Options returns the effective options.
func (x *Index) Options() Options { return x.opts }

func (x *Index) nowMs() int64 { return x.opts.Now().UnixMilli() }

// ============================================================================
// 路徑
// ============================================================================

// Normalize converts p (relative to the root, or absolute under it) into the
// cleaned relative form used as an index key.
func (x *Index) Normalize(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrInvalidPath
	}
	if filepath.IsAbs(p) {
		root, err := filepath.Abs(x.opts.Root)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		p = rel
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if p == "." || p == ".." || strings.HasPrefix(p, "../") || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return p, nil
}

// Abs returns the on-disk location of an index path.
func (x *Index) Abs(path string) string {
	return filepath.Join(x.opts.Root, filepath.FromSlash(path))
}

// ============================================================================
// 註冊與存取
// ============================================================================

// Register 註冊目錄。重複註冊只刷新最後存取時間與 TTL，不會重複計算大小
func (x *Index) Register(ctx context.Context, path string, size int64) error {
	if !x.opts.Enabled {
		return nil
	}
	path, err := x.Normalize(path)
	if err != nil {
		return err
	}
	if size < 0 {
		size = 0
	}
	l, err := lease.AcquireWait(ctx, x.st, leaseKey(path), x.opts.LeaseTTL, x.opts.RemoveWait)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release(ctx) }()

	now := x.nowMs()
	created, err := x.st.SetNX(ctx, dirKey(path), strconv.FormatInt(now, 10), x.opts.TTL)
	if err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}
	if !created {
		if _, err := x.st.Expire(ctx, dirKey(path), x.opts.TTL); err != nil {
			return fmt.Errorf("register %s: %w", path, err)
		}
	}
	if err := x.st.ZAdd(ctx, lruKey, path, float64(now)); err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}
	// 大小與計數器在同一步寫入；失敗時項目已追蹤但尚未計數，重試會補上
	first, err := x.st.HSetNXIncr(ctx, sizesKey, path, size, bytesKey)
	if err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}
	// 重新註冊的目錄不再是孤兒
	if _, err := x.st.ZRem(ctx, orphansKey, path); err != nil {
		log.Warn("clear orphan failed", "path", path, "error", err)
	}
	log.Debug("cache entry registered", "path", path, "size", size, "first", first)
	return nil
}

// RegisterDir 計算目錄大小後註冊
func (x *Index) RegisterDir(ctx context.Context, dir string) (string, int64, error) {
	if !x.opts.Enabled {
		return "", 0, nil
	}
	path, err := x.Normalize(dir)
	if err != nil {
		return "", 0, err
	}
	abs := x.Abs(path)
	info, err := os.Stat(abs)
	if err != nil {
		return "", 0, fmt.Errorf("register %s: %w", path, err)
	}
	if !info.IsDir() {
		return "", 0, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, path)
	}
	sctx, cancel := context.WithTimeout(ctx, x.opts.SizeTimeout)
	defer cancel()
	size, err := DirSize(sctx, abs)
	if err != nil {
		return "", 0, fmt.Errorf("size %s: %w", path, err)
	}
	return path, size, x.Register(ctx, path, size)
}

// Touch 刷新最後存取時間與 TTL，不影響大小計數。回傳目錄是否仍被追蹤
func (x *Index) Touch(ctx context.Context, path string) (bool, error) {
	if !x.opts.Enabled {
		return false, nil
	}
	path, err := x.Normalize(path)
	if err != nil {
		return false, err
	}
	// 標記已消失（被移除或過期）就不能再寫回 LRU
	return x.st.ZAddIfExists(ctx, dirKey(path), x.opts.TTL, lruKey, path, float64(x.nowMs()))
}

// ============================================================================
// 移除
// ============================================================================

// Remove deletes the entry and optionally its directory. It waits at most
// RemoveWait for the path lease and returns lease.ErrConflict when the
// scheduler or another instance keeps holding it. The returned size is what
// was subtracted from the counter.
func (x *Index) Remove(ctx context.Context, path string, deleteFiles bool) (int64, error) {
	if !x.opts.Enabled {
		return 0, ErrDisabled
	}
	path, err := x.Normalize(path)
	if err != nil {
		return 0, err
	}
	l, err := lease.AcquireWait(ctx, x.st, leaseKey(path), x.opts.LeaseTTL, x.opts.RemoveWait)
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Release(ctx) }()
	return x.remove(ctx, path, deleteFiles)
}

// remove requires the caller to hold the path lease. It is idempotent: only
// the caller whose HDEL removed the size field decrements the counter.
func (x *Index) remove(ctx context.Context, path string, deleteFiles bool) (int64, error) {
	size, _, err := x.st.HDelDecr(ctx, sizesKey, path, bytesKey)
	if err != nil {
		return 0, fmt.Errorf("remove %s: %w", path, err)
	}
	if _, err := x.st.ZRem(ctx, lruKey, path); err != nil {
		return size, fmt.Errorf("remove %s: %w", path, err)
	}
	if _, err := x.st.Del(ctx, dirKey(path)); err != nil {
		return size, fmt.Errorf("remove %s: %w", path, err)
	}

	if !deleteFiles {
		return size, nil
	}
	if err := x.removeAll(x.Abs(path)); err != nil {
		if zerr := x.st.ZAdd(ctx, orphansKey, path, float64(x.nowMs())); zerr != nil {
			log.Error("record orphan failed", "path", path, "error", zerr)
		}
		log.Warn("directory deletion failed, recorded as orphan", "path", path, "error", err)
		return size, fmt.Errorf("%w: %s: %v", ErrPartialEviction, path, err)
	}
	return size, nil
}

// ============================================================================
// 查詢
// ============================================================================

// Stats 讀取統計快照，不取得任何鎖，並發寫入時可能稍有延遲
func (x *Index) Stats(ctx context.Context) (types.CacheStats, error) {
	stats := types.CacheStats{Enabled: x.opts.Enabled, QuotaBytes: x.opts.Quota}
	if !x.opts.Enabled {
		return stats, nil
	}
	used, err := x.usedBytes(ctx)
	if err != nil {
		return stats, err
	}
	stats.UsedBytes = used
	if stats.Entries, err = x.st.ZCard(ctx, lruKey); err != nil {
		return stats, err
	}
	if stats.Orphans, err = x.st.ZCard(ctx, orphansKey); err != nil {
		return stats, err
	}
	if x.opts.Quota > 0 {
		stats.UsageRatio = math.Round(float64(used)/float64(x.opts.Quota)*10000) / 10000
	}
	return stats, nil
}

func (x *Index) usedBytes(ctx context.Context) (int64, error) {
	v, err := x.st.Get(ctx, bytesKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// List 依最近存取排序列出項目，最新的在前；limit <= 0 列出全部
func (x *Index) List(ctx context.Context, limit int) ([]types.CacheEntry, error) {
	if !x.opts.Enabled {
		return []types.CacheEntry{}, nil
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := x.st.ZRange(ctx, lruKey, 0, stop, true)
	if err != nil {
		return nil, err
	}
	out := make([]types.CacheEntry, 0, len(members))
	for _, m := range members {
		e := types.CacheEntry{Path: m.Member, LastAccess: time.UnixMilli(int64(m.Score))}
		if v, err := x.st.HGet(ctx, sizesKey, m.Member); err == nil {
			e.SizeBytes, _ = strconv.ParseInt(v, 10, 64)
		}
		out = append(out, e)
	}
	return out, nil
}

// Info 回傳單一目錄的完整資訊，包括剩餘 TTL 與磁碟上是否存在
func (x *Index) Info(ctx context.Context, path string) (types.CacheEntry, error) {
	path, err := x.Normalize(path)
	if err != nil {
		return types.CacheEntry{}, err
	}
	score, err := x.st.ZScore(ctx, lruKey, path)
	if errors.Is(err, store.ErrNotFound) {
		return types.CacheEntry{}, fmt.Errorf("%w: %s", ErrNotTracked, path)
	}
	if err != nil {
		return types.CacheEntry{}, err
	}
	e := types.CacheEntry{Path: path, LastAccess: time.UnixMilli(int64(score))}
	if v, err := x.st.HGet(ctx, sizesKey, path); err == nil {
		e.SizeBytes, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, err := x.st.Get(ctx, dirKey(path)); err == nil {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.RegisteredAt = time.UnixMilli(ms)
		}
	}
	if ttl, err := x.st.TTL(ctx, dirKey(path)); err == nil {
		e.TTL = ttl
	}
	if info, err := os.Stat(x.Abs(path)); err == nil && info.IsDir() {
		e.Exists = true
	}
	return e, nil
}

// Owner returns the tracked directory that contains p: p itself or its
// nearest tracked ancestor. ErrNotTracked when none is.
func (x *Index) Owner(ctx context.Context, p string) (string, error) {
	p, err := x.Normalize(p)
	if err != nil {
		return "", err
	}
	for cur := p; cur != "." && cur != "/"; cur = path.Dir(cur) {
		_, err := x.st.ZScore(ctx, lruKey, cur)
		if err == nil {
			return cur, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotTracked, p)
}

// tracksUnder reports whether p or any path below it is in the index.
func (x *Index) tracksUnder(ctx context.Context, p string) (bool, error) {
	members, err := x.st.ZRange(ctx, lruKey, 0, -1, false)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.Member == p || strings.HasPrefix(m.Member, p+"/") {
			return true, nil
		}
	}
	return false, nil
}

// Orphans 回傳刪除失敗、等待下一輪重試的目錄
func (x *Index) Orphans(ctx context.Context) ([]string, error) {
	members, err := x.st.ZRange(ctx, orphansKey, 0, -1, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Member)
	}
	return out, nil
}

// DirSize sums regular file sizes under dir. It stops early when ctx ends.
func DirSize(ctx context.Context, dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			// 無法讀取的項目略過，大小計數是盡力而為
			if errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}
