//go:build unix

package supervisor

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu    sync.Mutex
	lines []string
	exits []Exit
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnLine: func(l string) {
			c.mu.Lock()
			c.lines = append(c.lines, l)
			c.mu.Unlock()
		},
		OnExit: func(e Exit) {
			c.mu.Lock()
			c.exits = append(c.exits, e)
			c.mu.Unlock()
		},
	}
}

func shell() *Exec { return &Exec{Bin: "/bin/sh", Prefix: []string{"-c"}} }

func waitDone(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not finish")
	}
}

func TestExecStreamsLinesAndExitCode(t *testing.T) {
	var c collector
	p, err := shell().Start(context.Background(), []string{`echo one; printf 'two\rthree\n'; echo four >&2; exit 3`}, c.callbacks())
	require.NoError(t, err)
	assert.Positive(t, p.PID())
	waitDone(t, p)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.ElementsMatch(t, []string{"one", "two", "three", "four"}, c.lines)
	require.Len(t, c.exits, 1)
	assert.Equal(t, 3, c.exits[0].Code)
	assert.False(t, c.exits[0].Success())
	assert.Equal(t, c.exits[0], p.Exit())
}

func TestExecSuccess(t *testing.T) {
	p, err := shell().Start(context.Background(), []string{"true"}, Callbacks{})
	require.NoError(t, err)
	waitDone(t, p)
	assert.True(t, p.Exit().Success())
}

func TestExecLaunchFailure(t *testing.T) {
	_, err := (&Exec{Bin: "/nonexistent/downloader"}).Start(context.Background(), nil, Callbacks{})
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = (&Exec{}).Start(context.Background(), nil, Callbacks{})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestTerminateGraceful(t *testing.T) {
	var c collector
	p, err := shell().Start(context.Background(), []string{"echo started; sleep 30"}, c.callbacks())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.lines) == 1
	}, 2*time.Second, 5*time.Millisecond)

	forced, err := p.Terminate(2 * time.Second)
	require.NoError(t, err)
	assert.False(t, forced)
	assert.Equal(t, "terminated", p.Exit().Signal)
	assert.False(t, p.Exit().Success())
}

func TestTerminateForcedAfterGrace(t *testing.T) {
	var c collector
	// SIGTERM 被忽略，且忽略狀態會被 sleep 繼承
	p, err := shell().Start(context.Background(), []string{`trap "" TERM; echo ready; sleep 30`}, c.callbacks())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.lines) == 1
	}, 2*time.Second, 5*time.Millisecond)

	forced, err := p.Terminate(100 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, forced)
	assert.True(t, p.Exit().Forced)
	assert.Equal(t, "killed", p.Exit().Signal)
}

func TestTerminateAfterExitIsNoop(t *testing.T) {
	p, err := shell().Start(context.Background(), []string{"exit 0"}, Callbacks{})
	require.NoError(t, err)
	waitDone(t, p)
	forced, err := p.Terminate(time.Second)
	assert.NoError(t, err)
	assert.False(t, forced)
}

func TestExitNotHeldByBackgroundChild(t *testing.T) {
	var c collector
	// 背景的 sleep 繼承了 stdout/stderr，主程序已經結束
	p, err := shell().Start(context.Background(), []string{"echo done; sleep 5 & exit 0"}, c.callbacks())
	require.NoError(t, err)
	t.Cleanup(func() { _ = killGroup(p.(*execProcess).cmd) })

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done waited for the background child")
	}
	assert.True(t, p.Exit().Success())
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, []string{"done"}, c.lines)
	assert.Len(t, c.exits, 1)
}

func TestScanLines(t *testing.T) {
	in := "a\r\nb\rc\n\nd"
	sc := bufio.NewScanner(strings.NewReader(in))
	sc.Split(scanLines)
	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"a", "b", "c", "", "d"}, got)
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		want string
		pct  int
		dl   string
		tot  string
		spd  string
	}{
		{"Downloading...  73%  (17/24 MB, 20 MB/s)", true, "Downloading", 73, "17", "24 MB", "20 MB/s"},
		{"  Downloading...  5%  (1.6/24 MB, 3.1 MB/s)  ", true, "Downloading", 5, "1.6", "24 MB", "3.1 MB/s"},
		{"Decrypting...  100%", true, "Decrypting", 100, "", "", ""},
		{"Decrypting...", true, "Decrypting", 0, "", "", ""},
		{"Track 1 of 12: Song", false, "", 0, "", "", ""},
		{"", false, "", 0, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			p, ok := ParseProgress(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, p.Phase)
			assert.Equal(t, tt.pct, p.Percent)
			assert.Equal(t, tt.dl, p.Downloaded)
			assert.Equal(t, tt.tot, p.Total)
			assert.Equal(t, tt.spd, p.Speed)
		})
	}
}
