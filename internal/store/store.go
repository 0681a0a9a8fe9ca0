// ============================================================================
// dlcache Shared Store
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: The single source of truth shared by every service instance.
//
// Implementations:
//   - Redis (redis.go): network store, used when several instances cooperate.
//     Every round-trip runs under a per-attempt timeout and is retried with
//     exponential backoff; exhausted retries surface as ErrUnavailable.
//   - Memory (memory.go): single-instance store with the same semantics,
//     used when no Redis URL is configured and by tests.
//
// Primitives required by the core:
//   - atomic set-if-absent with expiry (leases)
//   - string get/set with expiry (TTL markers)
//   - sorted sets with range-by-score (LRU ordering, job index)
//   - atomic counter (aggregate cache bytes), moved only together with the
//     hash field that records each contribution
//   - hashes with compare-and-set (job state machine)
//   - capped lists (job logs)
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 鍵或欄位不存在
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable 共享儲存無法連線（重試後仍失敗）
	ErrUnavailable = errors.New("store: unavailable")
)

// ZMember is one sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the shared key-value store contract.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime; ErrNotFound when the key is absent
	// and a zero duration when it has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	// CompareAndDelete deletes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// HSetNXIncr records field=value in hash and adds value to counter in one
	// step, only when field is absent. It reports whether the field was new.
	HSetNXIncr(ctx context.Context, hash, field string, value int64, counter string) (bool, error)
	// HDelDecr removes field from hash and subtracts its value from counter in
	// one step. It returns the removed value, or false when field was absent.
	HDelDecr(ctx context.Context, hash, field, counter string) (int64, bool, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZAddIfExists refreshes guard's TTL and sets member's score, but only
	// while guard exists. It reports whether guard was present.
	ZAddIfExists(ctx context.Context, guard string, guardTTL time.Duration, key, member string, score float64) (bool, error)
	ZScore(ctx context.Context, key, member string) (float64, error)
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRange returns members by rank; rev orders by descending score.
	ZRange(ctx context.Context, key string, start, stop int64, rev bool) ([]ZMember, error)
	// ZRangeByScore returns members with min <= score <= max, ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]ZMember, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	// HCompareAndSet writes fields only when field currently equals expected.
	// It returns the value observed before the write; ErrNotFound when the
	// hash or field is missing.
	HCompareAndSet(ctx context.Context, key, field, expected string, fields map[string]string) (bool, string, error)
	// HReplaceIfNewer replaces the whole hash unless the stored tsField is
	// greater than ts.
	HReplaceIfNewer(ctx context.Context, key, tsField string, ts int64, fields map[string]string, ttl time.Duration) (bool, error)

	// RPushCapped appends values and trims the list to its last capacity items.
	RPushCapped(ctx context.Context, key string, capacity int, ttl time.Duration, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Atomic applies ops all-or-nothing.
	Atomic(ctx context.Context, ops ...Op) error

	Ping(ctx context.Context) error
	Close() error
}

type opKind int

const (
	opDel opKind = iota
	opZRem
	opExpire
)

// Op is one mutation inside an Atomic batch.
type Op struct {
	kind   opKind
	keys   []string
	member string
	ttl    time.Duration
}

// DelOp deletes keys.
func DelOp(keys ...string) Op { return Op{kind: opDel, keys: keys} }

// ZRemOp removes member from the sorted set at key.
func ZRemOp(key, member string) Op { return Op{kind: opZRem, keys: []string{key}, member: member} }

// ExpireOp sets a TTL on key.
func ExpireOp(key string, ttl time.Duration) Op {
	return Op{kind: opExpire, keys: []string{key}, ttl: ttl}
}
