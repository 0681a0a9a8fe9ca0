// ============================================================================
// dlcache Process Supervisor - 外部下載程序的橋接層
// ============================================================================
//
// Package: internal/supervisor
// 文件: supervisor.go
// 功能: 啟動外部下載程序、逐行串流輸出、回報結束狀態、終止執行中的程序
//
// 契約:
//   Start(ctx, args, cb) 在程序啟動後立即返回 Process，不會等待程序結束
//   cb.OnLine 對 stdout/stderr 的每一行呼叫一次（同一時間只有一個呼叫）
//   cb.OnExit 在程序被回收且兩個輸出串流讀完後呼叫一次；若背景孫程序
//   還握著輸出管線，回收後最多再等 drainAfterExit 就關閉管線
//   Terminate(grace) 先送 SIGTERM，grace 內未結束則 SIGKILL
//
// 行切分:
//   下載器以 '\r' 重繪進度列，所以 '\r' 與 '\n' 都視為行尾。
//
// ============================================================================

package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var log = slog.Default()

// maxLineBytes 單行上限，超過後該串流其餘輸出只排空不解析
const maxLineBytes = 1 << 20

// drainAfterExit bounds how long output is still read once the child is reaped.
const drainAfterExit = 500 * time.Millisecond

// ErrNotStarted 程序尚未啟動（或啟動失敗）
var ErrNotStarted = errors.New("supervisor: process not started")

// Exit 程序的結束狀態
type Exit struct {
	Code   int    // exit code；被訊號終止時為 -1
	Signal string // 終止訊號名稱（如果有）
	Forced bool   // 是否在 grace 逾時後被強制 kill
	Err    error  // 等待程序時的錯誤（非 ExitError）
}

// Success reports a zero exit code.
func (e Exit) Success() bool { return e.Code == 0 && e.Signal == "" && e.Err == nil }

// Callbacks 程序事件回呼
type Callbacks struct {
	OnLine func(line string)
	OnExit func(Exit)
}

// Process is a running child.
type Process interface {
	PID() int
	// Done is closed after OnExit has returned.
	Done() <-chan struct{}
	// Exit is valid once Done is closed.
	Exit() Exit
	// Terminate stops the child. forced is true when SIGKILL was needed.
	Terminate(grace time.Duration) (forced bool, err error)
}

// Supervisor starts external processes.
type Supervisor interface {
	Start(ctx context.Context, args []string, cb Callbacks) (Process, error)
}

// ============================================================================
// exec 實作
// ============================================================================

// Exec runs Bin with Prefix followed by the job arguments.
type Exec struct {
	Bin    string   // 下載器執行檔
	Prefix []string // 固定前綴參數，例如 "run main.go"
	Dir    string   // 工作目錄
	Env    []string // 額外環境變數（附加在目前環境之後）
}

var _ Supervisor = (*Exec)(nil)

// Start launches the process and returns once it is running.
func (e *Exec) Start(ctx context.Context, args []string, cb Callbacks) (Process, error) {
	if e.Bin == "" {
		return nil, fmt.Errorf("%w: no downloader binary configured", ErrNotStarted)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv := append(append([]string(nil), e.Prefix...), args...)
	cmd := exec.Command(e.Bin, argv...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	setProcessGroup(cmd)

	// 自己建管線：cmd.Wait 不會關閉讀端，回收與讀取可以分開進行
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotStarted, err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		return nil, fmt.Errorf("%w: %v", ErrNotStarted, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		return nil, fmt.Errorf("%w: %v", ErrNotStarted, err)
	}

	p := &execProcess{cmd: cmd, cb: cb, done: make(chan struct{})}
	log.Debug("process started", "pid", cmd.Process.Pid, "bin", e.Bin)

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(stdout, &readers)
	go p.pump(stderr, &readers)
	go p.wait(&readers, stdout, stderr)
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	cb   Callbacks
	lnMu sync.Mutex // OnLine 一次只有一個呼叫

	mu     sync.Mutex
	exit   Exit
	forced bool
	done   chan struct{}
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *execProcess) pump(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	sc.Split(scanLines)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || p.cb.OnLine == nil {
			continue
		}
		p.lnMu.Lock()
		p.cb.OnLine(line)
		p.lnMu.Unlock()
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Warn("process output read failed", "pid", p.PID(), "error", err)
		// 讀不動了也要把管線排空，否則子程序會卡在 write
		_, _ = io.Copy(io.Discard, r)
	}
}

// wait reaps the child, then waits for both streams to hit EOF. A background
// grandchild may keep the pipes open forever, so the drain is bounded.
func (p *execProcess) wait(readers *sync.WaitGroup, outputs ...*os.File) {
	err := p.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	timer := time.NewTimer(drainAfterExit)
	select {
	case <-drained:
	case <-timer.C:
		log.Warn("output still open after exit, closing", "pid", p.PID())
		closeAll(outputs...)
		<-drained
	}
	timer.Stop()
	closeAll(outputs...)

	ex := Exit{Code: 0}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		ex.Code = exitErr.ExitCode()
		ex.Signal = exitSignal(exitErr.ProcessState)
	default:
		ex.Code = -1
		ex.Err = err
	}
	p.mu.Lock()
	ex.Forced = p.forced
	p.exit = ex
	p.mu.Unlock()

	if p.cb.OnExit != nil {
		p.cb.OnExit(ex)
	}
	close(p.done)
}

func (p *execProcess) Terminate(grace time.Duration) (bool, error) {
	select {
	case <-p.done:
		return false, nil
	default:
	}
	if err := signalGroup(p.cmd, termSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("SIGTERM failed, killing", "pid", p.PID(), "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return false, nil
	case <-timer.C:
	}

	p.mu.Lock()
	p.forced = true
	p.mu.Unlock()
	log.Warn("process ignored SIGTERM, force killing", "pid", p.PID(), "grace", grace)
	if err := killGroup(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return true, fmt.Errorf("kill pid %d: %w", p.PID(), err)
	}
	<-p.done
	return true, nil
}

// scanLines splits on '\n', '\r' or "\r\n".
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
			} else if !atEOF {
				// 需要再讀一個位元組判斷是否為 "\r\n"
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
