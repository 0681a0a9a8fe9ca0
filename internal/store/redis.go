package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// RetryPolicy bounds every store round-trip.
type RetryPolicy struct {
	OpTimeout       time.Duration // per attempt
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration // across attempts
}

// DefaultRetryPolicy 預設重試策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		OpTimeout:       2 * time.Second,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		MaxElapsed:      5 * time.Second,
	}
}

// Redis implements Store on top of go-redis.
type Redis struct {
	client redis.UniversalClient
	policy RetryPolicy
}

var _ Store = (*Redis)(nil)

// NewRedis parses url, connects and pings once.
func NewRedis(ctx context.Context, url string, policy RetryPolicy) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	r := NewRedisClient(redis.NewClient(opts), policy)
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client redis.UniversalClient, policy RetryPolicy) *Redis {
	if policy.OpTimeout <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Redis{client: client, policy: policy}
}

// do runs an idempotent command under the retry policy. Not-found and
// server-side errors are returned immediately; connection-level errors and
// attempt timeouts are retried.
func (r *Redis) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.retry(ctx, name, func(error) bool { return true }, fn)
}

// doOnce runs a command that must not be applied twice. A timed-out attempt
// may already have reached the server, so only failures that happened before
// anything was written (the dial itself failed) are retried.
func (r *Redis) doOnce(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.retry(ctx, name, notSent, fn)
}

func (r *Redis) retry(ctx context.Context, name string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = r.policy.MaxElapsed

	var last error
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.OpTimeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(ErrNotFound)
		}
		var rerr redis.Error
		if errors.As(err, &rerr) {
			return backoff.Permanent(fmt.Errorf("%s: %w", name, err))
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		last = err
		if !retryable(err) {
			return backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err))
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	if last != nil && errors.Is(err, last) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
	}
	return err
}

// notSent reports errors raised while dialing, before the command could
// reach the server.
func notSent(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.do(ctx, "setnx", func(ctx context.Context) (err error) {
		ok, err = r.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.do(ctx, "set", func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := r.do(ctx, "get", func(ctx context.Context) (err error) {
		v, err = r.client.Get(ctx, key).Result()
		return err
	})
	return v, err
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.do(ctx, "exists", func(ctx context.Context) (err error) {
		n, err = r.client.Exists(ctx, key).Result()
		return err
	})
	return n > 0, err
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.do(ctx, "expire", func(ctx context.Context) (err error) {
		ok, err = r.client.PExpire(ctx, key, ttl).Result()
		return err
	})
	return ok, err
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := r.do(ctx, "pttl", func(ctx context.Context) (err error) {
		d, err = r.client.PTTL(ctx, key).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return 0, nil
	}
	return d, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := r.do(ctx, "del", func(ctx context.Context) (err error) {
		n, err = r.client.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var n int
	err := r.do(ctx, "compare_and_delete", func(ctx context.Context) (err error) {
		n, err = compareAndDelete.Run(ctx, r.client, []string{key}, expected).Int()
		return err
	})
	return n == 1, err
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var n int64
	err := r.doOnce(ctx, "incrby", func(ctx context.Context) (err error) {
		n, err = r.client.IncrBy(ctx, key, delta).Result()
		return err
	})
	return n, err
}

// 重試安全：HSETNX 失敗時不會再加一次
var hashSetNXIncr = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call("INCRBY", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

func (r *Redis) HSetNXIncr(ctx context.Context, hash, field string, value int64, counter string) (bool, error) {
	var n int
	err := r.do(ctx, "hsetnx_incr", func(ctx context.Context) (err error) {
		n, err = hashSetNXIncr.Run(ctx, r.client, []string{hash, counter}, field, value).Int()
		return err
	})
	return n == 1, err
}

var hashDelDecr = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], ARGV[1])
if not v then
	return -1
end
redis.call("HDEL", KEYS[1], ARGV[1])
local n = tonumber(v) or 0
if n ~= 0 then
	redis.call("DECRBY", KEYS[2], n)
end
return n
`)

func (r *Redis) HDelDecr(ctx context.Context, hash, field, counter string) (int64, bool, error) {
	var n int64
	err := r.do(ctx, "hdel_decr", func(ctx context.Context) (err error) {
		n, err = hashDelDecr.Run(ctx, r.client, []string{hash, counter}, field).Int64()
		return err
	})
	if err != nil || n < 0 {
		return 0, false, err
	}
	return n, true, nil
}

var zaddIfExists = redis.NewScript(`
local alive
if tonumber(ARGV[1]) > 0 then
	alive = redis.call("PEXPIRE", KEYS[1], ARGV[1])
else
	alive = redis.call("EXISTS", KEYS[1])
end
if alive == 1 then
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
end
return alive
`)

func (r *Redis) ZAddIfExists(ctx context.Context, guard string, guardTTL time.Duration, key, member string, score float64) (bool, error) {
	var n int
	err := r.do(ctx, "zadd_if_exists", func(ctx context.Context) (err error) {
		n, err = zaddIfExists.Run(ctx, r.client, []string{guard, key}, guardTTL.Milliseconds(), formatScore(score), member).Int()
		return err
	})
	return n == 1, err
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	return r.do(ctx, "zadd", func(ctx context.Context) error {
		return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (r *Redis) ZScore(ctx context.Context, key, member string) (float64, error) {
	var s float64
	err := r.do(ctx, "zscore", func(ctx context.Context) (err error) {
		s, err = r.client.ZScore(ctx, key, member).Result()
		return err
	})
	return s, err
}

func (r *Redis) ZRem(ctx context.Context, key, member string) (bool, error) {
	var n int64
	err := r.do(ctx, "zrem", func(ctx context.Context) (err error) {
		n, err = r.client.ZRem(ctx, key, member).Result()
		return err
	})
	return n > 0, err
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.do(ctx, "zcard", func(ctx context.Context) (err error) {
		n, err = r.client.ZCard(ctx, key).Result()
		return err
	})
	return n, err
}

func (r *Redis) ZRange(ctx context.Context, key string, start, stop int64, rev bool) ([]ZMember, error) {
	var zs []redis.Z
	err := r.do(ctx, "zrange", func(ctx context.Context) (err error) {
		if rev {
			zs, err = r.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
		} else {
			zs, err = r.client.ZRangeWithScores(ctx, key, start, stop).Result()
		}
		return err
	})
	return toMembers(zs), err
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]ZMember, error) {
	if count <= 0 && offset > 0 {
		count = -1
	}
	by := &redis.ZRangeBy{
		Min:    formatScore(min),
		Max:    formatScore(max),
		Offset: offset,
		Count:  count,
	}
	var zs []redis.Z
	err := r.do(ctx, "zrangebyscore", func(ctx context.Context) (err error) {
		zs, err = r.client.ZRangeByScoreWithScores(ctx, key, by).Result()
		return err
	})
	return toMembers(zs), err
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.do(ctx, "hset", func(ctx context.Context) error {
		return r.client.HSet(ctx, key, pairs(fields)...).Err()
	})
}

func (r *Redis) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	var ok bool
	err := r.do(ctx, "hsetnx", func(ctx context.Context) (err error) {
		ok, err = r.client.HSetNX(ctx, key, field, value).Result()
		return err
	})
	return ok, err
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	var v string
	err := r.do(ctx, "hget", func(ctx context.Context) (err error) {
		v, err = r.client.HGet(ctx, key, field).Result()
		return err
	})
	return v, err
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := r.do(ctx, "hgetall", func(ctx context.Context) (err error) {
		m, err = r.client.HGetAll(ctx, key).Result()
		return err
	})
	return m, err
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	var n int64
	err := r.do(ctx, "hdel", func(ctx context.Context) (err error) {
		n, err = r.client.HDel(ctx, key, fields...).Result()
		return err
	})
	return n, err
}

var hashCompareAndSet = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if not cur then
	return {-1, ""}
end
if cur ~= ARGV[2] then
	return {0, cur}
end
for i = 3, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
return {1, cur}
`)

func (r *Redis) HCompareAndSet(ctx context.Context, key, field, expected string, fields map[string]string) (bool, string, error) {
	args := append([]interface{}{field, expected}, pairs(fields)...)
	var res []interface{}
	err := r.do(ctx, "hcas", func(ctx context.Context) (err error) {
		res, err = hashCompareAndSet.Run(ctx, r.client, []string{key}, args...).Slice()
		return err
	})
	if err != nil {
		return false, "", err
	}
	if len(res) != 2 {
		return false, "", fmt.Errorf("hcas: unexpected reply %v", res)
	}
	code, _ := res[0].(int64)
	cur, _ := res[1].(string)
	if code < 0 {
		return false, "", ErrNotFound
	}
	return code == 1, cur, nil
}

var hashReplaceIfNewer = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call("DEL", KEYS[1])
for i = 4, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

func (r *Redis) HReplaceIfNewer(ctx context.Context, key, tsField string, ts int64, fields map[string]string, ttl time.Duration) (bool, error) {
	args := append([]interface{}{tsField, ts, ttl.Milliseconds()}, pairs(fields)...)
	var n int
	err := r.do(ctx, "hreplace", func(ctx context.Context) (err error) {
		n, err = hashReplaceIfNewer.Run(ctx, r.client, []string{key}, args...).Int()
		return err
	})
	return n == 1, err
}

func (r *Redis) RPushCapped(ctx context.Context, key string, capacity int, ttl time.Duration, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	vs := make([]interface{}, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return r.doOnce(ctx, "rpush_capped", func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.RPush(ctx, key, vs...)
			p.LTrim(ctx, key, int64(-capacity), -1)
			if ttl > 0 {
				p.PExpire(ctx, key, ttl)
			}
			return nil
		})
		return err
	})
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := r.do(ctx, "lrange", func(ctx context.Context) (err error) {
		out, err = r.client.LRange(ctx, key, start, stop).Result()
		return err
	})
	return out, err
}

func (r *Redis) Atomic(ctx context.Context, ops ...Op) error {
	return r.do(ctx, "multi", func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, op := range ops {
				switch op.kind {
				case opDel:
					p.Del(ctx, op.keys...)
				case opZRem:
					p.ZRem(ctx, op.keys[0], op.member)
				case opExpire:
					p.PExpire(ctx, op.keys[0], op.ttl)
				}
			}
			return nil
		})
		return err
	})
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func toMembers(zs []redis.Z) []ZMember {
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, ZMember{Member: m, Score: z.Score})
	}
	return out
}

func pairs(fields map[string]string) []interface{} {
	out := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func formatScore(f float64) string {
	switch {
	case f > 1e300:
		return "+inf"
	case f < -1e300:
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
