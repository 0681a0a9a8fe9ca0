package jobstore

import (
	"context"
	"time"

	"github.com/ChuLiYu/dlcache/pkg/types"
)

// 事件類型
const (
	EventInit     = "init"     // 訂閱時的任務快照
	EventLog      = "log"      // 一行新輸出
	EventProgress = "progress" // 進度變化
	EventStatus   = "status"   // 狀態變化
	EventEnd      = "end"      // 終止狀態，之後不再有事件
)

// watchWindow is how many trailing log lines each poll compares.
const watchWindow = 200

// Event is one change observed on a job.
type Event struct {
	Type     string          `json:"type"`
	Job      *types.Job      `json:"job,omitempty"`
	Progress *types.Progress `json:"progress,omitempty"`
	Line     string          `json:"line,omitempty"`
}

// Watch polls the job and calls emit for every change until the job is
// terminal (after emitting EventEnd), ctx ends, or emit fails. Records live in
// the shared store, so a job running on another instance is watched the same
// way. The first event is always EventInit.
func (s *Store) Watch(ctx context.Context, id types.JobID, every time.Duration, emit func(Event) error) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := emit(Event{Type: EventInit, Job: &job}); err != nil {
		return err
	}
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var (
		lines    []string
		progress types.Progress
		status   = job.Status
	)
	for {
		cur, err := s.Tail(ctx, id, watchWindow)
		if err != nil {
			return err
		}
		for _, l := range newLines(lines, cur) {
			if err := emit(Event{Type: EventLog, Line: l}); err != nil {
				return err
			}
		}
		lines = cur

		p, ok, err := s.GetProgress(ctx, id)
		if err != nil {
			return err
		}
		if ok && p != progress {
			progress = p
			if err := emit(Event{Type: EventProgress, Progress: &p}); err != nil {
				return err
			}
		}

		job, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != status {
			status = job.Status
			if err := emit(Event{Type: EventStatus, Job: &job}); err != nil {
				return err
			}
		}
		if job.Status.IsTerminal() {
			return emit(Event{Type: EventEnd, Job: &job})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// newLines returns the lines of cur after its overlap with prev. Both are
// trailing windows of the same capped log.
func newLines(prev, cur []string) []string {
	k := min(len(prev), len(cur))
	for ; k > 0; k-- {
		if equalLines(prev[len(prev)-k:], cur[:k]) {
			break
		}
	}
	return cur[k:]
}

func equalLines(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
