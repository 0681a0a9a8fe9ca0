package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify bounded concurrency, timeout propagation, graceful shutdown
// ============================================================================

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dlcache/pkg/types"
)

// sleepRunner pretends to run a process for d, or until ctx ends.
func sleepRunner(d time.Duration, running, peak *int32) Runner {
	return RunnerFunc(func(ctx context.Context, task Task) Result {
		if running != nil {
			n := atomic.AddInt32(running, 1)
			for {
				p := atomic.LoadInt32(peak)
				if n <= p || atomic.CompareAndSwapInt32(peak, p, n) {
					break
				}
			}
			defer atomic.AddInt32(running, -1)
		}
		select {
		case <-ctx.Done():
			return Result{Status: types.StatusFailed, ExitCode: -1, Error: ctx.Err()}
		case <-time.After(d):
			return Result{Status: types.StatusCompleted, Success: true}
		}
	})
}

func newTask(i int) Task {
	return Task{ID: types.JobID(fmt.Sprintf("task-%d", i)), Args: []string{"--song"}}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, sleepRunner(0, nil, nil))
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, sleepRunner(0, nil, nil))

	require.NoError(t, pool.Start(3))
	assert.Equal(t, 3, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.ErrorIs(t, pool.Start(4), ErrPoolStarted)
	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10, sleepRunner(time.Millisecond, nil, nil))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(newTask(i)))
	}

	results := make(map[types.JobID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.JobID] = result
	}
	assert.Len(t, results, taskCount)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Greater(t, r.Duration, time.Duration(0))
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// Never more than workerCount processes at once.
func TestPoolBoundsConcurrency(t *testing.T) {
	var running, peak int32
	pool := NewPool(100, sleepRunner(20*time.Millisecond, &running, &peak))
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(newTask(i)))
	}
	for i := 0; i < 10; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10, sleepRunner(time.Second, nil, nil))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := newTask(0)
	task.Timeout = 5 * time.Millisecond
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// Stop cancels in-flight runners instead of waiting out long downloads.
func TestStopCancelsRunningTasks(t *testing.T) {
	var running, peak int32
	pool := NewPool(10, sleepRunner(time.Hour, &running, &peak))
	require.NoError(t, pool.Start(2))

	require.NoError(t, pool.Submit(newTask(1)))
	require.NoError(t, pool.Submit(newTask(2)))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 2 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Zero(t, atomic.LoadInt32(&running))
}

func TestDrainReturnsUnstartedTasks(t *testing.T) {
	var running, peak int32
	pool := NewPool(10, sleepRunner(time.Hour, &running, &peak))
	assert.Nil(t, pool.Drain())
	require.NoError(t, pool.Start(1))

	for i := 1; i <= 3; i++ {
		require.NoError(t, pool.Submit(newTask(i)))
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 1 }, time.Second, time.Millisecond)
	assert.Nil(t, pool.Drain(), "nothing is drained while the pool runs")

	pool.Stop()
	left := pool.Drain()
	require.Len(t, left, 2)
	assert.Equal(t, types.JobID("task-2"), left[0].ID)
	assert.Equal(t, types.JobID("task-3"), left[1].ID)
	assert.Zero(t, pool.Pending())
	assert.Empty(t, pool.Drain())
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10, sleepRunner(0, nil, nil))
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10, sleepRunner(0, nil, nil))
	require.NoError(t, pool.Start(2))
	pool.Stop()

	assert.Equal(t, ErrPoolClosed, pool.Submit(newTask(0)))
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, sleepRunner(0, nil, nil))
	assert.Equal(t, ErrPoolNotStarted, pool.Submit(newTask(0)))
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10, sleepRunner(0, nil, nil))
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// Submit racing Stop must never panic on a closed channel.
func TestSubmitStopRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		pool := NewPool(1, sleepRunner(time.Millisecond, nil, nil))
		require.NoError(t, pool.Start(1))
		go func() {
			for j := 0; j < 10; j++ {
				if err := pool.Submit(newTask(j)); err != nil {
					return
				}
			}
		}()
		assert.NotPanics(t, pool.Stop)
	}
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000, sleepRunner(0, nil, nil))
	_ = pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(newTask(i))
	}
}
