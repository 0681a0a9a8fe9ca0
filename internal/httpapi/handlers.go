package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/dlcache/internal/cache"
	"github.com/ChuLiYu/dlcache/internal/controller"
	"github.com/ChuLiYu/dlcache/internal/jobstore"
	"github.com/ChuLiYu/dlcache/internal/lease"
	"github.com/ChuLiYu/dlcache/internal/store"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

const maxBodyBytes = 1 << 20

// ============================================================================
// 共用
// ============================================================================

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound), errors.Is(err, cache.ErrNotTracked),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrEmptyRequest), errors.Is(err, cache.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, jobstore.ErrInvalidTransition), errors.Is(err, jobstore.ErrJobActive),
		errors.Is(err, lease.ErrConflict), errors.Is(err, cache.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, cache.ErrDisabled):
		return http.StatusPreconditionFailed
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, controller.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func jobID(r *http.Request) types.JobID { return types.JobID(chi.URLParam(r, "id")) }

// ============================================================================
// 健康檢查
// ============================================================================

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	body := map[string]any{"status": "ok"}
	if a.Controller != nil {
		body["controller"] = a.Controller.GetStatus()
	}
	if a.Store != nil {
		if err := a.Store.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// ============================================================================
// 任務
// ============================================================================

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	var req types.DownloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	sub, err := a.Controller.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if sub.Deduplicated {
		code = http.StatusOK
	}
	writeJSON(w, code, sub)
}

type batchItem struct {
	Job          *types.Job `json:"job,omitempty"`
	Deduplicated bool       `json:"deduplicated,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func (a *api) submitBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []types.DownloadRequest `json:"requests"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(body.Requests) == 0 {
		badRequest(w, "requests must not be empty")
		return
	}
	subs, errs := a.Controller.SubmitBatch(r.Context(), body.Requests)
	items := make([]batchItem, len(subs))
	for i := range subs {
		if errs[i] != nil {
			items[i].Error = errs[i].Error()
			continue
		}
		job := subs[i].Job
		items[i].Job = &job
		items[i].Deduplicated = subs[i].Deduplicated
	}
	writeJSON(w, http.StatusMultiStatus, map[string]any{"results": items})
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	offset, ok1 := queryInt(r, "offset", 0)
	limit, ok2 := queryInt(r, "limit", 50)
	if !ok1 || !ok2 {
		badRequest(w, "offset and limit must be non-negative integers")
		return
	}
	newestFirst := r.URL.Query().Get("order") != "asc"
	page, err := a.Jobs.List(r.Context(), offset, limit, newestFirst)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	id := jobID(r)
	job, err := a.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{"job": job}
	if p, ok, err := a.Jobs.GetProgress(r.Context(), id); err == nil && ok {
		body["progress"] = p
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := a.Jobs.Delete(r.Context(), jobID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) logs(w http.ResponseWriter, r *http.Request) {
	n, ok := queryInt(r, "tail", 100)
	if !ok {
		badRequest(w, "tail must be a non-negative integer")
		return
	}
	lines, err := a.Jobs.Tail(r.Context(), jobID(r), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (a *api) progress(w http.ResponseWriter, r *http.Request) {
	id := jobID(r)
	p, ok, err := a.Jobs.GetProgress(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		// 區分「任務不存在」與「尚無進度」
		if _, err := a.Jobs.Get(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	job, err := a.Controller.Cancel(r.Context(), jobID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// ============================================================================
// 事件串流 (SSE)
// ============================================================================

// events streams job changes as server-sent events until the job reaches a
// terminal state or the client goes away. Event names are the jobstore event
// types (init, log, progress, status, end); data is the event as JSON.
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := jobID(r)
	// 先確認任務存在，才能回傳一般的 404
	if _, err := a.Jobs.Get(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	err := a.Jobs.Watch(ctx, id, a.EventPoll, func(ev jobstore.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		// 任務被刪除或儲存不可用
		fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
		flusher.Flush()
	}
}

// ============================================================================
// 打包下載
// ============================================================================

// zipDir streams a directory as a zip attachment.
func (a *api) zipDir(w http.ResponseWriter, r *http.Request, rel string) {
	started := false
	err := a.Cache.ZipTo(r.Context(), rel, func(name string) io.Writer {
		started = true
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.WriteHeader(http.StatusOK)
		return w
	})
	if err == nil {
		return
	}
	if started {
		// 已開始傳輸，只能中斷
		log.Warn("zip stream aborted", "path", rel, "error", err)
		return
	}
	writeError(w, err)
}

func (a *api) cacheArchive(w http.ResponseWriter, r *http.Request) {
	a.zipDir(w, r, chi.URLParam(r, "*"))
}

func (a *api) jobArchive(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Get(r.Context(), jobID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if !job.Status.IsTerminal() {
		writeError(w, fmt.Errorf("%w: %s is %s", jobstore.ErrJobActive, job.ID, job.Status))
		return
	}
	if job.OutputDir == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job produced no output"})
		return
	}
	a.zipDir(w, r, job.OutputDir)
}

// ============================================================================
// 快取
// ============================================================================

func (a *api) cacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Cache.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) cacheList(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		badRequest(w, "limit must be a non-negative integer")
		return
	}
	entries, err := a.Cache.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *api) cacheInfo(w http.ResponseWriter, r *http.Request) {
	e, err := a.Cache.Info(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *api) cacheRemove(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	deleteFiles, _ := strconv.ParseBool(r.URL.Query().Get("files"))
	freed, err := a.Cache.Remove(r.Context(), path, deleteFiles)
	body := map[string]any{"path": path, "freed_bytes": freed}
	switch {
	case errors.Is(err, cache.ErrPartialEviction):
		// 索引已移除，目錄記為孤兒等待下一輪
		body["error"] = err.Error()
		writeJSON(w, http.StatusAccepted, body)
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, body)
	}
}

func (a *api) sweep(w http.ResponseWriter, r *http.Request) {
	if !a.schedulerOK(w) {
		return
	}
	rep, err := a.Scheduler.RunOnce(r.Context())
	if errors.Is(err, cache.ErrDisabled) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type cachePathBody struct {
	Path      string `json:"path"`
	SizeBytes *int64 `json:"size_bytes,omitempty"`
}

func (a *api) cacheTouch(w http.ResponseWriter, r *http.Request) {
	var body cachePathBody
	if err := decodeBody(w, r, &body); err != nil || body.Path == "" {
		badRequest(w, "body must be {\"path\": ...}")
		return
	}
	if !a.Cache.Enabled() {
		writeError(w, cache.ErrDisabled)
		return
	}
	tracked, err := a.Cache.Touch(r.Context(), body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	if !tracked {
		writeError(w, fmt.Errorf("%w: %s", cache.ErrNotTracked, body.Path))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": body.Path, "touched": true})
}

// cacheRegister registers a directory; without size_bytes the size is
// measured on disk.
func (a *api) cacheRegister(w http.ResponseWriter, r *http.Request) {
	var body cachePathBody
	if err := decodeBody(w, r, &body); err != nil || body.Path == "" {
		badRequest(w, "body must be {\"path\": ..., \"size_bytes\": optional}")
		return
	}
	if !a.Cache.Enabled() {
		writeError(w, cache.ErrDisabled)
		return
	}
	ctx := r.Context()
	if body.SizeBytes == nil {
		rel, size, err := a.Cache.RegisterDir(ctx, body.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": rel, "size_bytes": size})
		return
	}
	if err := a.Cache.Register(ctx, body.Path, *body.SizeBytes); err != nil {
		writeError(w, err)
		return
	}
	e, err := a.Cache.Info(ctx, body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ============================================================================
// 排程器
// ============================================================================

func (a *api) schedulerOK(w http.ResponseWriter) bool {
	if a.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not configured"})
		return false
	}
	return true
}

func (a *api) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	if a.schedulerOK(w) {
		writeJSON(w, http.StatusOK, a.Scheduler.Status())
	}
}

func (a *api) schedulerStart(w http.ResponseWriter, r *http.Request) {
	if !a.schedulerOK(w) {
		return
	}
	if !a.Cache.Enabled() {
		writeError(w, cache.ErrDisabled)
		return
	}
	if err := a.Scheduler.Start(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Scheduler.Status())
}

func (a *api) schedulerStop(w http.ResponseWriter, r *http.Request) {
	if !a.schedulerOK(w) {
		return
	}
	a.Scheduler.Stop()
	writeJSON(w, http.StatusOK, a.Scheduler.Status())
}

// ============================================================================
// 檔案下載
// ============================================================================

// artifact serves a file under a registered directory and refreshes the
// directory's access time.
func (a *api) artifact(w http.ResponseWriter, r *http.Request) {
	rel, err := a.Cache.Normalize(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err)
		return
	}
	if a.Cache.Enabled() {
		// 刷新的是登記過的那一層目錄，不一定是第一段
		owner, err := a.Cache.Owner(r.Context(), rel)
		if err != nil {
			writeError(w, err)
			return
		}
		tracked, err := a.Cache.Touch(r.Context(), owner)
		if err != nil {
			writeError(w, err)
			return
		}
		if !tracked {
			writeError(w, cache.ErrNotTracked)
			return
		}
	}
	abs := a.Cache.Abs(rel)
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return
	}
	http.ServeFile(w, r, abs)
}
