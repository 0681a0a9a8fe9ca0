// Package logring implements a fixed-capacity, append-only line buffer.
//
// Appending beyond capacity overwrites the oldest line, so the buffer always
// holds the most recent Cap() lines in their original order.
package logring

import "sync"

// DefaultCapacity is the per-job cap on retained log lines.
const DefaultCapacity = 5000

// Ring is a FIFO ring of text lines. It is safe for concurrent use.
type Ring struct {
	mu    sync.RWMutex
	lines []string
	head  int // index of the oldest line
	size  int
}

// New returns a ring holding at most capacity lines. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{lines: make([]string, capacity)}
}

// Append adds lines in order, evicting the oldest ones once full.
func (r *Ring) Append(lines ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := len(r.lines)
	for _, l := range lines {
		if r.size < c {
			r.lines[(r.head+r.size)%c] = l
			r.size++
			continue
		}
		r.lines[r.head] = l
		r.head = (r.head + 1) % c
	}
}

// Tail returns at most n of the most recent lines, oldest first.
// n <= 0 returns every retained line.
func (r *Ring) Tail(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]string, n)
	c := len(r.lines)
	start := r.head + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.lines[(start+i)%c]
	}
	return out
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.lines)
}
