// ============================================================================
// dlcache Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務與快取的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - dlcache_jobs_submitted_total: 接受的請求數
//      - dlcache_jobs_deduplicated_total: 被合併到既有任務的請求數
//      - dlcache_job_transitions_total{to}: 狀態轉換次數
//
//   2. 任務分佈 (Histogram)：
//      - dlcache_job_duration_seconds{status}: 外部程序執行時間
//        * 桶分佈: 1s ~ 2h，下載任務以分鐘計
//
//   3. 任務狀態 (Gauge)：
//      - dlcache_jobs_running: 本實例觀察到的執行中任務數
//
//   4. 快取指標：
//      - dlcache_cache_used_bytes / quota_bytes / entries / orphans (Gauge)
//      - dlcache_cache_over_quota (Gauge, 0/1)
//      - dlcache_cache_evictions_total{reason}: ttl / quota / orphan
//      - dlcache_cache_freed_bytes_total
//      - dlcache_cache_sweeps_total / sweep_errors_total
//      - dlcache_cache_sweep_duration_seconds (Histogram)
//
// Prometheus 查詢示例:
//
//   # 重複請求比例
//   rate(dlcache_jobs_deduplicated_total[5m]) / rate(dlcache_jobs_submitted_total[5m])
//
//   # 快取使用率
//   dlcache_cache_used_bytes / dlcache_cache_quota_bytes
//
//   # 95 分位下載時間
//   histogram_quantile(0.95, rate(dlcache_job_duration_seconds_bucket[1h]))
//
// 註冊:
//   NewCollector 註冊到 prometheus.DefaultRegisterer；測試時替換它以避免重複註冊。
//
// ============================================================================

package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/dlcache/internal/cache"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

const namespace = "dlcache"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted    prometheus.Counter
	jobsDeduplicated prometheus.Counter
	jobTransitions   *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobsRunning      prometheus.Gauge

	// 快取相關指標
	cacheUsed      prometheus.Gauge
	cacheQuota     prometheus.Gauge
	cacheEntries   prometheus.Gauge
	cacheOrphans   prometheus.Gauge
	cacheOverQuota prometheus.Gauge
	evictions      *prometheus.CounterVec
	freedBytes     prometheus.Counter
	sweeps         prometheus.Counter
	sweepErrors    prometheus.Counter
	sweepDuration  prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewCollector 創建新的指標收集器
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of accepted download requests",
		}),
		jobsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deduplicated_total",
			Help:      "Requests collapsed onto an already running job",
		}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Committed job state transitions by target state",
		}, []string{"to"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of external downloader executions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs that entered running and have not finished yet",
		}),
		cacheUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_used_bytes",
			Help:      "Aggregate size of registered directories",
		}),
		cacheQuota: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_quota_bytes",
			Help:      "Configured cache quota",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of registered directories",
		}),
		cacheOrphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_orphans",
			Help:      "Directories whose deletion failed and await reconciliation",
		}),
		cacheOverQuota: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_over_quota",
			Help:      "1 when the last sweep could not reach the low watermark",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Directories removed by the scheduler",
		}, []string{"reason"}),
		freedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_freed_bytes_total",
			Help:      "Bytes released by scheduler sweeps",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_sweeps_total",
			Help:      "Completed scheduler cycles",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_sweep_errors_total",
			Help:      "Errors reported by scheduler cycles",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_sweep_duration_seconds",
			Help:      "Duration of scheduler cycles",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(
		c.jobsSubmitted,
		c.jobsDeduplicated,
		c.jobTransitions,
		c.jobDuration,
		c.jobsRunning,
		c.cacheUsed,
		c.cacheQuota,
		c.cacheEntries,
		c.cacheOrphans,
		c.cacheOverQuota,
		c.evictions,
		c.freedBytes,
		c.sweeps,
		c.sweepErrors,
		c.sweepDuration,
	)
	c.gatherer = prometheus.DefaultGatherer
	if g, ok := prometheus.DefaultRegisterer.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// RecordSubmit 記錄一個被接受的請求
func (c *Collector) RecordSubmit(deduplicated bool) {
	c.jobsSubmitted.Inc()
	if deduplicated {
		c.jobsDeduplicated.Inc()
	}
}

// JobTransition has the jobstore.TransitionHook signature.
func (c *Collector) JobTransition(_ context.Context, from types.JobStatus, job types.Job) {
	c.jobTransitions.WithLabelValues(string(job.Status)).Inc()
	switch {
	case job.Status == types.StatusRunning:
		c.jobsRunning.Inc()
	case from == types.StatusRunning && job.Status.IsTerminal():
		c.jobsRunning.Dec()
	}
}

// RecordJobDuration 記錄一次外部程序執行
func (c *Collector) RecordJobDuration(status types.JobStatus, d time.Duration) {
	c.jobDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// ObserveSweep has the cache.SweepObserver signature.
func (c *Collector) ObserveSweep(rep cache.SweepReport) {
	c.sweeps.Inc()
	c.sweepDuration.Observe(rep.Duration.Seconds())
	c.evictions.WithLabelValues("ttl").Add(float64(len(rep.Expired)))
	c.evictions.WithLabelValues("quota").Add(float64(len(rep.Evicted)))
	c.evictions.WithLabelValues("orphan").Add(float64(len(rep.Reconciled)))
	c.freedBytes.Add(float64(rep.FreedBytes))
	c.sweepErrors.Add(float64(len(rep.Errors)))
	c.cacheUsed.Set(float64(rep.UsedBytes))
	if rep.OverQuota {
		c.cacheOverQuota.Set(1)
	} else {
		c.cacheOverQuota.Set(0)
	}
}

// UpdateCacheStats 更新快取狀態
func (c *Collector) UpdateCacheStats(s types.CacheStats) {
	c.cacheUsed.Set(float64(s.UsedBytes))
	c.cacheQuota.Set(float64(s.QuotaBytes))
	c.cacheEntries.Set(float64(s.Entries))
	c.cacheOrphans.Set(float64(s.Orphans))
}

// Handler serves the registry this collector registered into.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - addr: 監聽位址，例如 ":9090"
//
// 返回值：
//   - error: 啟動失敗的錯誤
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}
