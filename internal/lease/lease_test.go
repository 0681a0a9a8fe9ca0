package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dlcache/internal/store"
)

func TestTryAcquireConflict(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	l, err := TryAcquire(ctx, st, "lock:dir:a", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, l.Token())

	_, err = TryAcquire(ctx, st, "lock:dir:a", time.Minute)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, l.Release(ctx))

	l2, err := TryAcquire(ctx, st, "lock:dir:a", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, l.Token(), l2.Token())
}

func TestReleaseOnlyOwnToken(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(0, 0)
	st := store.NewMemory(store.WithClock(func() time.Time { return now }))

	stale, err := TryAcquire(ctx, st, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := TryAcquire(ctx, st, "k", time.Minute)
	require.NoError(t, err)

	// the expired holder must not drop the new owner's lease
	require.NoError(t, stale.Release(ctx))
	v, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, fresh.Token(), v)
}

func TestAcquireWait(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	held, err := TryAcquire(ctx, st, "k", time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = AcquireWait(ctx, st, "k", time.Minute, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Less(t, time.Since(start), 2*time.Second)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release(ctx)
	}()
	l, err := AcquireWait(ctx, st, "k", time.Minute, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "k", l.Key())
}

func TestNilLeaseRelease(t *testing.T) {
	var l *Lease
	assert.NoError(t, l.Release(context.Background()))
}
