// ============================================================================
// dlcache HTTP API
// ============================================================================
//
// Package: internal/httpapi
// 文件: router.go
// 功能: chi 路由，提供任務、快取與下載檔案的 HTTP 介面
//
// 路由:
//   GET    /healthz                  共享儲存連線檢查
//   GET    /metrics                  Prometheus（啟用時）
//   POST   /v1/jobs                  提交下載請求
//   POST   /v1/jobs/batch            批次提交
//   GET    /v1/jobs                  ?offset=&limit=&order=asc
//   GET    /v1/jobs/{id}             任務與進度
//   DELETE /v1/jobs/{id}             刪除終止狀態的任務
//   GET    /v1/jobs/{id}/logs        ?tail=N
//   GET    /v1/jobs/{id}/progress
//   GET    /v1/jobs/{id}/events      SSE：日誌、進度、狀態，終止後結束
//   GET    /v1/jobs/{id}/archive     任務輸出目錄打包為 zip
//   POST   /v1/jobs/{id}/cancel
//   GET    /v1/cache/stats
//   GET    /v1/cache/entries         ?limit=N
//   GET    /v1/cache/entries/*       單一目錄資訊
//   DELETE /v1/cache/entries/*       ?files=true 同時刪除目錄
//   POST   /v1/cache/touch           {"path"} 刷新存取時間
//   POST   /v1/cache/register        {"path","size_bytes"?} 手動註冊
//   GET    /v1/cache/archive/*       目錄打包為 zip
//   POST   /v1/cache/sweep           立即執行一輪清理
//   GET    /v1/scheduler             排程器狀態與上一輪報告
//   POST   /v1/scheduler/start
//   POST   /v1/scheduler/stop
//   GET    /v1/artifacts/*           下載檔案並刷新目錄存取時間
//
// ============================================================================

package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/dlcache/internal/cache"
	"github.com/ChuLiYu/dlcache/internal/controller"
	"github.com/ChuLiYu/dlcache/internal/jobstore"
	"github.com/ChuLiYu/dlcache/internal/store"
)

var log = slog.Default()

// Deps are the components the API serves. Scheduler and Metrics may be nil.
type Deps struct {
	Store      store.Store
	Controller *controller.Controller
	Jobs       *jobstore.Store
	Cache      *cache.Index
	Scheduler  *cache.Scheduler
	Metrics    http.Handler
	EventPoll  time.Duration // SSE 輪詢間隔，0 使用 jobstore 預設
}

type api struct {
	Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	a := &api{Deps: d}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", a.submit)
			r.Post("/batch", a.submitBatch)
			r.Get("/", a.listJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getJob)
				r.Delete("/", a.deleteJob)
				r.Get("/logs", a.logs)
				r.Get("/progress", a.progress)
				r.Get("/events", a.events)
				r.Get("/archive", a.jobArchive)
				r.Post("/cancel", a.cancel)
			})
		})
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", a.cacheStats)
			r.Get("/entries", a.cacheList)
			r.Get("/entries/*", a.cacheInfo)
			r.Delete("/entries/*", a.cacheRemove)
			r.Post("/touch", a.cacheTouch)
			r.Post("/register", a.cacheRegister)
			r.Get("/archive/*", a.cacheArchive)
			r.Post("/sweep", a.sweep)
		})
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", a.schedulerStatus)
			r.Post("/start", a.schedulerStart)
			r.Post("/stop", a.schedulerStop)
		})
		r.Get("/artifacts/*", a.artifact)
	})
	return r
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		level := slog.LevelDebug
		if ww.Status() >= 500 {
			level = slog.LevelWarn
		}
		log.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
