package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dlcache/internal/cache"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	return NewCollector()
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsSubmitted, "jobsSubmitted counter should be initialized")
	assert.NotNil(t, collector.jobTransitions, "jobTransitions counter should be initialized")
	assert.NotNil(t, collector.jobDuration, "jobDuration histogram should be initialized")
	assert.NotNil(t, collector.cacheUsed, "cacheUsed gauge should be initialized")
	assert.NotNil(t, collector.sweepDuration, "sweepDuration histogram should be initialized")
}

func TestRecordSubmit(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordSubmit(false)
	collector.RecordSubmit(true)
	collector.RecordSubmit(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.jobsSubmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.jobsDeduplicated))
}

func TestJobTransitionTracksRunning(t *testing.T) {
	collector := newTestCollector(t)
	ctx := context.Background()

	collector.JobTransition(ctx, types.StatusQueued, types.Job{Status: types.StatusRunning})
	collector.JobTransition(ctx, types.StatusQueued, types.Job{Status: types.StatusRunning})
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.jobsRunning))

	collector.JobTransition(ctx, types.StatusRunning, types.Job{Status: types.StatusCompleted})
	// Queued -> Cancelled never ran
	collector.JobTransition(ctx, types.StatusQueued, types.Job{Status: types.StatusCancelled})
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsRunning))

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.jobTransitions.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobTransitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobTransitions.WithLabelValues("cancelled")))
}

func TestRecordJobDuration(t *testing.T) {
	collector := newTestCollector(t)

	durations := []time.Duration{time.Second, time.Minute, time.Hour}
	for _, d := range durations {
		assert.NotPanics(t, func() {
			collector.RecordJobDuration(types.StatusCompleted, d)
		})
	}
	assert.Equal(t, 1, testutil.CollectAndCount(collector.jobDuration))
}

func TestObserveSweep(t *testing.T) {
	collector := newTestCollector(t)

	collector.ObserveSweep(cache.SweepReport{
		Duration:   20 * time.Millisecond,
		Expired:    []string{"a", "b"},
		Evicted:    []string{"c"},
		Reconciled: []string{"d"},
		FreedBytes: 700,
		UsedBytes:  300,
		OverQuota:  true,
		Errors:     []string{"cache: quota exceeded"},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.sweeps))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.evictions.WithLabelValues("ttl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.evictions.WithLabelValues("quota")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.evictions.WithLabelValues("orphan")))
	assert.Equal(t, 700.0, testutil.ToFloat64(collector.freedBytes))
	assert.Equal(t, 300.0, testutil.ToFloat64(collector.cacheUsed))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheOverQuota))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.sweepErrors))

	collector.ObserveSweep(cache.SweepReport{UsedBytes: 100})
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.cacheOverQuota))
}

func TestUpdateCacheStats(t *testing.T) {
	collector := newTestCollector(t)

	collector.UpdateCacheStats(types.CacheStats{UsedBytes: 600, QuotaBytes: 1000, Entries: 2, Orphans: 1})
	assert.Equal(t, 600.0, testutil.ToFloat64(collector.cacheUsed))
	assert.Equal(t, 1000.0, testutil.ToFloat64(collector.cacheQuota))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.cacheEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheOrphans))
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector := newTestCollector(t)
	collector.RecordSubmit(false)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "dlcache_jobs_submitted_total 1"), body)
}

func TestConcurrentMetrics(t *testing.T) {
	collector := newTestCollector(t)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				collector.RecordSubmit(j%2 == 0)
				collector.JobTransition(context.Background(), types.StatusQueued, types.Job{Status: types.StatusRunning})
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, 1000.0, testutil.ToFloat64(collector.jobsSubmitted))
	assert.Equal(t, 1000.0, testutil.ToFloat64(collector.jobsRunning))
}
