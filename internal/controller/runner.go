package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/dlcache/internal/jobstore"
	"github.com/ChuLiYu/dlcache/internal/supervisor"
	"github.com/ChuLiYu/dlcache/internal/worker"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

// bookkeepingTimeout bounds the store writes made after a process ends. They
// run detached from the task context so shutdown still records the outcome.
const bookkeepingTimeout = 10 * time.Second

// run executes one queued job. It is the worker.Runner of the pool.
func (c *Controller) run(ctx context.Context, task worker.Task) worker.Result {
	id := task.ID
	res := worker.Result{JobID: id, ExitCode: -1}
	c.mu.Lock()
	delete(c.queued, id)
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		// 關閉時才被領取，不再啟動程序
		c.failUnstarted(id, errShutdown)
		res.Status, res.Error = types.StatusFailed, err
		return res
	}

	job, err := c.jobs.Get(ctx, id)
	if err != nil {
		res.Status, res.Error = types.StatusFailed, err
		return res
	}
	if job.Status != types.StatusQueued {
		// 排隊期間被取消
		res.Status = job.Status
		return res
	}

	started := time.Now()
	r := &activeRun{cancelCh: make(chan struct{})}
	proc, err := c.sup.Start(ctx, task.Args, supervisor.Callbacks{OnLine: c.lineSink(id)})
	if err != nil {
		bctx, cancel := detached(ctx)
		defer cancel()
		res.Status, res.Error = types.StatusFailed, err
		if _, terr := c.jobs.Transition(bctx, id, types.StatusFailed,
			jobstore.WithExitCode(-1), jobstore.WithError(err.Error())); terr != nil {
			log.Warn("mark launch failure failed", "job_id", id, "error", terr)
		}
		log.Warn("process launch failed", "job_id", id, "error", err)
		return res
	}

	c.mu.Lock()
	c.running[id] = r
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, id)
		c.mu.Unlock()
	}()

	if _, err := c.jobs.Transition(ctx, id, types.StatusRunning); err != nil {
		// 啟動期間被取消（或記錄已不存在），不能讓程序繼續跑
		forced, _ := proc.Terminate(c.config.CancelGrace)
		log.Info("job left queue before start, process terminated", "job_id", id, "forced", forced, "error", err)
		var te *jobstore.TransitionError
		if errors.As(err, &te) {
			res.Status = te.From
		} else {
			res.Status, res.Error = types.StatusFailed, err
			bctx, cancel := detached(ctx)
			defer cancel()
			if _, terr := c.jobs.Transition(bctx, id, types.StatusFailed,
				jobstore.WithExitCode(-1), jobstore.WithError(err.Error())); terr != nil {
				log.Warn("mark job failed", "job_id", id, "error", terr)
			}
		}
		return res
	}

	outcome := c.supervise(ctx, id, proc, r)
	ex := proc.Exit()
	res.ExitCode = ex.Code
	res.Success = outcome == types.StatusCompleted

	bctx, cancel := detached(ctx)
	defer cancel()
	opts := []jobstore.TransitionOption{jobstore.WithExitCode(ex.Code)}
	switch outcome {
	case types.StatusCompleted:
		if dir, err := c.locate(started); err != nil {
			log.Warn("locate output dir failed", "job_id", id, "error", err)
		} else if dir != "" {
			opts = append(opts, jobstore.WithOutputDir(dir))
		}
	case types.StatusFailed:
		res.Error = exitError(ctx, ex)
		opts = append(opts, jobstore.WithError(res.Error.Error()))
	case types.StatusCancelled:
		if ex.Forced {
			log.Warn("cancelled job force killed after grace", "job_id", id, "grace", c.config.CancelGrace)
		}
	}
	if _, err := c.jobs.Transition(bctx, id, outcome, opts...); err != nil {
		log.Warn("record job outcome failed", "job_id", id, "status", outcome, "error", err)
		if res.Error == nil {
			res.Error = err
		}
	}
	res.Status = outcome
	return res
}

// supervise waits for the process, terminating it on local cancel, on a
// cancel recorded by another instance, or when ctx ends. It returns the
// terminal state the job should take.
func (c *Controller) supervise(ctx context.Context, id types.JobID, proc supervisor.Process, r *activeRun) types.JobStatus {
	ticker := time.NewTicker(c.config.CancelPoll)
	defer ticker.Stop()

	cancelled := false
	terminate := func(reason string) {
		forced, err := proc.Terminate(c.config.CancelGrace)
		if err != nil {
			log.Error("terminate process failed", "job_id", id, "pid", proc.PID(), "error", err)
		}
		log.Info("process terminated", "job_id", id, "reason", reason, "forced", forced)
	}

	for {
		select {
		case <-proc.Done():
			ex := proc.Exit()
			switch {
			case cancelled:
				return types.StatusCancelled
			case ex.Success():
				return types.StatusCompleted
			default:
				return types.StatusFailed
			}
		case <-r.cancelCh:
			if !cancelled {
				cancelled = true
				terminate("cancel")
			}
		case <-ticker.C:
			if cancelled {
				continue
			}
			req, err := c.jobs.CancelRequested(ctx, id)
			if err != nil {
				log.Debug("cancel poll failed", "job_id", id, "error", err)
				continue
			}
			if req {
				cancelled = true
				terminate("cancel")
			}
		case <-ctx.Done():
			if !cancelled {
				terminate(ctx.Err().Error())
			}
			<-proc.Done()
			if cancelled {
				return types.StatusCancelled
			}
			return types.StatusFailed
		}
	}
}

// lineSink appends every output line to the job log and feeds progress lines
// to the progress snapshot.
func (c *Controller) lineSink(id types.JobID) func(string) {
	ctx := context.Background()
	return func(line string) {
		if err := c.jobs.AppendLogs(ctx, id, line); err != nil {
			log.Debug("append log failed", "job_id", id, "error", err)
		}
		p, ok := supervisor.ParseProgress(line)
		if !ok {
			return
		}
		p.UpdatedAt = time.Now().UnixMilli()
		if _, err := c.jobs.UpdateProgress(ctx, id, p); err != nil {
			log.Debug("update progress failed", "job_id", id, "error", err)
		}
	}
}

func exitError(ctx context.Context, ex supervisor.Exit) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("interrupted: %w", ctx.Err())
	case ex.Err != nil:
		return ex.Err
	case ex.Signal != "":
		return fmt.Errorf("killed by signal %s", ex.Signal)
	default:
		return fmt.Errorf("exit code %d", ex.Code)
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}
