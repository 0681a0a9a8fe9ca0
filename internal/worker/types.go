package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/dlcache/pkg/types"
)

// Task 代表一次外部程序執行
type Task struct {
	ID      types.JobID   // 任務唯一識別碼
	Args    []string      // 傳給外部程序的參數
	Timeout time.Duration // 執行上限，0 表示不限制
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID     // 任務 ID
	Status   types.JobStatus // 最終狀態
	Success  bool            // 是否以 exit code 0 結束
	ExitCode int             // 結束碼，未啟動時為 -1
	Error    error           // 錯誤訊息（如果有）
	Duration time.Duration   // 實際執行時間
}

// Runner executes one task to completion. Implementations must return once
// ctx is done, terminating whatever they started.
type Runner interface {
	Run(ctx context.Context, task Task) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task Task) Result

func (f RunnerFunc) Run(ctx context.Context, task Task) Result { return f(ctx, task) }
