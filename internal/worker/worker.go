// ============================================================================
// dlcache Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs one external process at a time; the number of workers is the
//           per-instance cap on concurrent downloader processes.
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ select task / stop           │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ runner.Run(task)        │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   A task with a non-zero Timeout runs under context.WithTimeout derived from
//   the pool context, so both the deadline and Pool.Stop reach the runner.
//
// ============================================================================

package worker

import (
	"context"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	runner   Runner        // Executes the task
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
}

func newWorker(id int, runner Runner, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		runner:   runner,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker. It returns when the pool stops.
func (w *Worker) Run(ctx context.Context) {
	for {
		// 停止優先；兩者同時就緒時 select 隨機選擇，緩衝中的任務留給 Drain
		select {
		case <-w.stopCh:
			return
		default:
		}
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(ctx, task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

// execute runs one task under its timeout.
func (w *Worker) execute(ctx context.Context, task Task) Result {
	start := time.Now()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	result := w.runner.Run(ctx, task)
	result.JobID = task.ID
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	return result
}
