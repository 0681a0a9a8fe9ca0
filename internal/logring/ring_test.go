package logring

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(i int) string { return fmt.Sprintf("line %d", i) }

func TestRingBelowCapacity(t *testing.T) {
	r := New(10)
	r.Append(line(1), line(2), line(3))

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{line(2), line(3)}, r.Tail(2))
	assert.Equal(t, []string{line(1), line(2), line(3)}, r.Tail(0))
	assert.Equal(t, []string{line(1), line(2), line(3)}, r.Tail(50))
}

// 5100 lines into a 5000 cap: the tail must be lines 5001..5100.
func TestRingEvictsOldestBeyondCap(t *testing.T) {
	r := New(DefaultCapacity)
	for i := 1; i <= 5100; i++ {
		r.Append(line(i))
	}

	require.Equal(t, 5000, r.Len())
	tail := r.Tail(100)
	require.Len(t, tail, 100)
	for i, l := range tail {
		assert.Equal(t, line(5001+i), l)
	}

	all := r.Tail(0)
	assert.Equal(t, line(101), all[0])
	assert.Equal(t, line(5100), all[len(all)-1])
}

func TestRingDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
	assert.Equal(t, DefaultCapacity, New(-3).Cap())
}

func TestRingConcurrentAppend(t *testing.T) {
	r := New(100)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Append("x")
				_ = r.Tail(5)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, r.Len())
}
