// ============================================================================
// dlcache 租約 - 跨實例互斥
// ============================================================================
//
// Package: internal/lease
// 文件: lease.go
// 功能: 以共享儲存中的 set-if-absent-with-expiry 實作分散式互斥
//
// 設計:
//   - 取得: SetNX(key, token, ttl)，token 為隨機 UUID
//   - 釋放: CompareAndDelete(key, token)，只刪除自己持有的租約
//   - 持有者崩潰時租約自行過期，最壞情況下的陳舊時間受 ttl 限制
//
// ============================================================================

package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ChuLiYu/dlcache/internal/store"
)

// ErrConflict 租約已被其他持有者佔用
var ErrConflict = errors.New("lease: held by another owner")

// Lease is a held lease. The zero value is not usable.
type Lease struct {
	st    store.Store
	key   string
	token string
}

// Key returns the store key backing the lease.
func (l *Lease) Key() string { return l.key }

// Token returns the owner token written into the lease.
func (l *Lease) Token() string { return l.token }

// Release deletes the lease if it is still ours. Releasing an expired or
// stolen lease is not an error.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := l.st.CompareAndDelete(ctx, l.key, l.token)
	return err
}

// TryAcquire makes a single attempt. It returns ErrConflict when the key is
// already held.
func TryAcquire(ctx context.Context, st store.Store, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := st.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrConflict
	}
	return &Lease{st: st, key: key, token: token}, nil
}

// AcquireWait retries TryAcquire with backoff for at most wait. Store errors
// abort immediately; running out of time returns ErrConflict.
func AcquireWait(ctx context.Context, st store.Store, key string, ttl, wait time.Duration) (*Lease, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = wait

	var l *Lease
	err := backoff.Retry(func() error {
		var err error
		l, err = TryAcquire(ctx, st, key, ttl)
		if err == nil || errors.Is(err, ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return l, nil
}
