package store

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/dlcache/internal/logring"
)

// Memory is a single-instance Store. Expiry is evaluated lazily against the
// configured clock, so a fake clock drives TTL behaviour deterministically.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	strings map[string]string
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	lists   map[string]*logring.Ring
	expires map[string]time.Time
}

var _ Store = (*Memory)(nil)

// MemoryOption configures NewMemory.
type MemoryOption func(*Memory)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory 建立記憶體儲存
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:     time.Now,
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string]*logring.Ring),
		expires: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// expireLocked drops key once its deadline has passed.
func (m *Memory) expireLocked(key string) {
	if at, ok := m.expires[key]; ok && !m.now().Before(at) {
		m.deleteLocked(key)
	}
}

func (m *Memory) existsLocked(key string) bool {
	m.expireLocked(key)
	if _, ok := m.strings[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.zsets[key]; ok {
		return true
	}
	_, ok := m.lists[key]
	return ok
}

func (m *Memory) deleteLocked(key string) bool {
	existed := false
	if _, ok := m.strings[key]; ok {
		delete(m.strings, key)
		existed = true
	}
	if _, ok := m.hashes[key]; ok {
		delete(m.hashes, key)
		existed = true
	}
	if _, ok := m.zsets[key]; ok {
		delete(m.zsets, key)
		existed = true
	}
	if _, ok := m.lists[key]; ok {
		delete(m.lists, key)
		existed = true
	}
	delete(m.expires, key)
	return existed
}

func (m *Memory) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expires[key] = m.now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(key) {
		return false, nil
	}
	m.strings[key] = value
	m.setTTLLocked(key, ttl)
	return true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
	m.strings[key] = value
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existsLocked(key), nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.existsLocked(key) {
		return false, nil
	}
	if ttl <= 0 {
		m.deleteLocked(key)
		return true, nil
	}
	m.setTTLLocked(key, ttl)
	return true, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.existsLocked(key) {
		return 0, ErrNotFound
	}
	at, ok := m.expires[key]
	if !ok {
		return 0, nil
	}
	return at.Sub(m.now()), nil
}

func (m *Memory) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		m.expireLocked(k)
		if m.deleteLocked(k) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if v, ok := m.strings[key]; ok && v == expected {
		m.deleteLocked(key)
		return true, nil
	}
	return false, nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrLocked(key, delta), nil
}

func (m *Memory) HSetNXIncr(_ context.Context, hash, field string, value int64, counter string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashLocked(hash, true)
	if _, ok := h[field]; ok {
		return false, nil
	}
	h[field] = strconv.FormatInt(value, 10)
	m.incrLocked(counter, value)
	return true, nil
}

func (m *Memory) HDelDecr(_ context.Context, hash, field, counter string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashLocked(hash, false)
	v, ok := h[field]
	if !ok {
		return 0, false, nil
	}
	delete(h, field)
	if len(h) == 0 {
		m.deleteLocked(hash)
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	if n != 0 {
		m.incrLocked(counter, -n)
	}
	return n, true, nil
}

func (m *Memory) incrLocked(key string, delta int64) int64 {
	m.expireLocked(key)
	cur, _ := strconv.ParseInt(m.strings[key], 10, 64)
	cur += delta
	m.strings[key] = strconv.FormatInt(cur, 10)
	return cur
}

func (m *Memory) zsetLocked(key string, create bool) map[string]float64 {
	m.expireLocked(key)
	z, ok := m.zsets[key]
	if !ok && create {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	return z
}

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zsetLocked(key, true)[member] = score
	return nil
}

func (m *Memory) ZAddIfExists(_ context.Context, guard string, guardTTL time.Duration, key, member string, score float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.existsLocked(guard) {
		return false, nil
	}
	if guardTTL > 0 {
		m.setTTLLocked(guard, guardTTL)
	}
	m.zsetLocked(key, true)[member] = score
	return true, nil
}

func (m *Memory) ZScore(_ context.Context, key, member string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.zsetLocked(key, false)[member]
	if !ok {
		return 0, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ZRem(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zremLocked(key, member), nil
}

func (m *Memory) zremLocked(key, member string) bool {
	z := m.zsetLocked(key, false)
	if _, ok := z[member]; !ok {
		return false
	}
	delete(z, member)
	if len(z) == 0 {
		m.deleteLocked(key)
	}
	return true
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsetLocked(key, false))), nil
}

// sortedLocked returns members ascending by (score, member), as Redis does.
func (m *Memory) sortedLocked(key string) []ZMember {
	z := m.zsetLocked(key, false)
	out := make([]ZMember, 0, len(z))
	for mem, s := range z {
		out = append(out, ZMember{Member: mem, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (m *Memory) ZRange(_ context.Context, key string, start, stop int64, rev bool) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedLocked(key)
	if rev {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	lo, hi, ok := clampRange(start, stop, len(all))
	if !ok {
		return []ZMember{}, nil
	}
	return all[lo : hi+1], nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64, offset, count int64) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ZMember{}
	for _, zm := range m.sortedLocked(key) {
		if zm.Score < min || zm.Score > max {
			continue
		}
		out = append(out, zm)
	}
	if offset > 0 {
		if offset >= int64(len(out)) {
			return []ZMember{}, nil
		}
		out = out[offset:]
	}
	if count > 0 && count < int64(len(out)) {
		out = out[:count]
	}
	return out, nil
}

func (m *Memory) hashLocked(key string, create bool) map[string]string {
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok && create {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	return h
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashLocked(key, true)
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Memory) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashLocked(key, true)
	if _, ok := h[field]; ok {
		return false, nil
	}
	h[field] = value
	return true, nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashLocked(key, false)[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashLocked(key, false)
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashLocked(key, false)
	var n int64
	for _, f := range fields {
		if _, ok := h[f]; ok {
			delete(h, f)
			n++
		}
	}
	if h != nil && len(h) == 0 {
		m.deleteLocked(key)
	}
	return n, nil
}

func (m *Memory) HCompareAndSet(_ context.Context, key, field, expected string, fields map[string]string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashLocked(key, false)
	cur, ok := h[field]
	if !ok {
		return false, "", ErrNotFound
	}
	if cur != expected {
		return false, cur, nil
	}
	for k, v := range fields {
		h[k] = v
	}
	return true, cur, nil
}

func (m *Memory) HReplaceIfNewer(_ context.Context, key, tsField string, ts int64, fields map[string]string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.hashLocked(key, false)[tsField]; ok {
		if prev, err := strconv.ParseInt(cur, 10, 64); err == nil && prev > ts {
			return false, nil
		}
	}
	m.deleteLocked(key)
	h := m.hashLocked(key, true)
	for k, v := range fields {
		h[k] = v
	}
	h[tsField] = strconv.FormatInt(ts, 10)
	m.setTTLLocked(key, ttl)
	return true, nil
}

func (m *Memory) RPushCapped(_ context.Context, key string, capacity int, ttl time.Duration, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	if capacity <= 0 {
		capacity = logring.DefaultCapacity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	r, ok := m.lists[key]
	if !ok || r.Cap() != capacity {
		prev := r
		r = logring.New(capacity)
		if prev != nil {
			r.Append(prev.Tail(0)...)
		}
		m.lists[key] = r
	}
	r.Append(values...)
	if ttl > 0 {
		m.setTTLLocked(key, ttl)
	}
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	r, ok := m.lists[key]
	if !ok {
		return []string{}, nil
	}
	if start < 0 && stop == -1 {
		return r.Tail(int(-start)), nil
	}
	all := r.Tail(0)
	lo, hi, ok := clampRange(start, stop, len(all))
	if !ok {
		return []string{}, nil
	}
	return all[lo : hi+1], nil
}

func (m *Memory) Atomic(_ context.Context, ops ...Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		switch op.kind {
		case opDel:
			for _, k := range op.keys {
				m.deleteLocked(k)
			}
		case opZRem:
			m.zremLocked(op.keys[0], op.member)
		case opExpire:
			switch {
			case !m.existsLocked(op.keys[0]):
			case op.ttl <= 0:
				m.deleteLocked(op.keys[0])
			default:
				m.setTTLLocked(op.keys[0], op.ttl)
			}
		}
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// clampRange converts Redis-style inclusive indices (negative counts from the
// end) into slice bounds.
func clampRange(start, stop int64, n int) (int, int, bool) {
	l := int64(n)
	if start < 0 {
		start += l
	}
	if stop < 0 {
		stop += l
	}
	start = int64(math.Max(float64(start), 0))
	if stop >= l {
		stop = l - 1
	}
	if l == 0 || start > stop {
		return 0, 0, false
	}
	return int(start), int(stop), true
}

// ============================================================================
// 狀態匯出與還原（單實例模式的快照）
// ============================================================================

// MemoryList is a capped list with its capacity.
type MemoryList struct {
	Capacity int      `json:"capacity"`
	Items    []string `json:"items"`
}

// MemoryState is a point-in-time copy of a Memory store. Expiries are
// absolute Unix milliseconds.
type MemoryState struct {
	Strings map[string]string             `json:"strings"`
	Hashes  map[string]map[string]string  `json:"hashes"`
	ZSets   map[string]map[string]float64 `json:"zsets"`
	Lists   map[string]MemoryList         `json:"lists"`
	Expires map[string]int64              `json:"expires"`
}

// Keys counts the keys held in s.
func (s MemoryState) Keys() int {
	return len(s.Strings) + len(s.Hashes) + len(s.ZSets) + len(s.Lists)
}

// Dump copies every live key.
func (m *Memory) Dump() MemoryState {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, at := range m.expires {
		if !now.Before(at) {
			m.deleteLocked(key)
		}
	}
	s := MemoryState{
		Strings: make(map[string]string, len(m.strings)),
		Hashes:  make(map[string]map[string]string, len(m.hashes)),
		ZSets:   make(map[string]map[string]float64, len(m.zsets)),
		Lists:   make(map[string]MemoryList, len(m.lists)),
		Expires: make(map[string]int64, len(m.expires)),
	}
	for k, v := range m.strings {
		s.Strings[k] = v
	}
	for k, h := range m.hashes {
		c := make(map[string]string, len(h))
		for f, v := range h {
			c[f] = v
		}
		s.Hashes[k] = c
	}
	for k, z := range m.zsets {
		c := make(map[string]float64, len(z))
		for mem, score := range z {
			c[mem] = score
		}
		s.ZSets[k] = c
	}
	for k, r := range m.lists {
		s.Lists[k] = MemoryList{Capacity: r.Cap(), Items: r.Tail(0)}
	}
	for k, at := range m.expires {
		s.Expires[k] = at.UnixMilli()
	}
	return s
}

// Restore replaces the store content with s. Keys whose expiry already
// passed are dropped.
func (m *Memory) Restore(s MemoryState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.strings = make(map[string]string, len(s.Strings))
	m.hashes = make(map[string]map[string]string, len(s.Hashes))
	m.zsets = make(map[string]map[string]float64, len(s.ZSets))
	m.lists = make(map[string]*logring.Ring, len(s.Lists))
	m.expires = make(map[string]time.Time, len(s.Expires))

	for k, v := range s.Strings {
		m.strings[k] = v
	}
	for k, h := range s.Hashes {
		c := make(map[string]string, len(h))
		for f, v := range h {
			c[f] = v
		}
		m.hashes[k] = c
	}
	for k, z := range s.ZSets {
		c := make(map[string]float64, len(z))
		for mem, score := range z {
			c[mem] = score
		}
		m.zsets[k] = c
	}
	for k, l := range s.Lists {
		r := logring.New(l.Capacity)
		r.Append(l.Items...)
		m.lists[k] = r
	}
	now := m.now()
	for k, ms := range s.Expires {
		at := time.UnixMilli(ms)
		if !now.Before(at) {
			m.deleteLocked(k)
			continue
		}
		m.expires[k] = at
	}
}
