// ============================================================================
// dlcache 去重鎖
// ============================================================================
//
// Package: internal/dedup
// 文件: dedup.go
// 功能: 以請求指紋為鍵的租約，將並發的相同請求合併為同一個任務
//
// 流程:
//   Acquire(fp, newJobID)
//     ├─ SetNX lock:{fp} = newJobID (ttl) 成功 → Acquired
//     └─ 已存在 → 回傳其中記錄的 job id，不做任何新工作
//   Release(fp, jobID) 在任務進入終止狀態時呼叫，只刪除屬於該任務的鎖
//
// 降級:
//   共享儲存無法連線時一律視為 Acquired（去重為盡力而為，不是正確性要求）
//
// ============================================================================

package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/dlcache/internal/store"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

var log = slog.Default()

// DefaultTTL must exceed the longest expected job.
const DefaultTTL = time.Hour

// Result is the outcome of Acquire.
type Result struct {
	Acquired      bool
	ExistingJobID types.JobID
}

// Lock collapses identical requests onto one job.
type Lock struct {
	st      store.Store
	ttl     time.Duration
	enabled bool
}

// New returns a Lock. A disabled lock acquires unconditionally.
func New(st store.Store, ttl time.Duration, enabled bool) *Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{st: st, ttl: ttl, enabled: enabled}
}

// Key returns the store key for fp.
func Key(fp string) string { return "lock:" + fp }

// Acquire maps fp to id unless another job already holds it.
func (l *Lock) Acquire(ctx context.Context, fp string, id types.JobID) Result {
	if !l.enabled || fp == "" {
		return Result{Acquired: true}
	}
	key := Key(fp)
	// the holder can release between SetNX and Get; try again a few times
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := l.st.SetNX(ctx, key, string(id), l.ttl)
		if err != nil {
			log.Warn("dedup store unavailable, treating as newly acquired", "fingerprint", fp, "error", err)
			return Result{Acquired: true}
		}
		if ok {
			return Result{Acquired: true}
		}
		existing, err := l.st.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Warn("dedup store unavailable, treating as newly acquired", "fingerprint", fp, "error", err)
			return Result{Acquired: true}
		}
		log.Info("duplicate request collapsed", "fingerprint", fp, "job_id", existing)
		return Result{ExistingJobID: types.JobID(existing)}
	}
	return Result{Acquired: true}
}

// Lookup returns the job currently holding fp.
func (l *Lock) Lookup(ctx context.Context, fp string) (types.JobID, bool) {
	if !l.enabled || fp == "" {
		return "", false
	}
	v, err := l.st.Get(ctx, Key(fp))
	if err != nil {
		return "", false
	}
	return types.JobID(v), true
}

// Release drops the lock if it still maps to id.
func (l *Lock) Release(ctx context.Context, fp string, id types.JobID) error {
	if !l.enabled || fp == "" {
		return nil
	}
	_, err := l.st.CompareAndDelete(ctx, Key(fp), string(id))
	return err
}

// Fingerprint returns the canonical hash of the work-relevant request fields.
// Field order and URL cosmetics (scheme/host case, fragment, trailing slash)
// do not affect the result; ExtraArgs are ignored.
func Fingerprint(req types.DownloadRequest) string {
	fields := map[string]any{
		"song":      req.Song,
		"atmos":     req.Atmos,
		"aac":       req.AAC,
		"select":    req.Select,
		"all_album": req.AllAlbum,
		"debug":     req.Debug,
	}
	if u := normalizeURL(req.URL); u != "" {
		fields["url"] = u
	}
	if st := strings.ToLower(strings.TrimSpace(req.SearchType)); st != "" {
		fields["search_type"] = st
		fields["search_term"] = strings.Join(strings.Fields(req.SearchTerm), " ")
	}
	// json.Marshal sorts map keys
	b, _ := json.Marshal(fields)
	sum := sha256.Sum256(b)
	return "content:" + hex.EncodeToString(sum[:16])
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}
