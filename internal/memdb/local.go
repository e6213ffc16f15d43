package memdb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/zhangyunhao116/skipmap"
)

const (
	lockStripes       = 64
	defaultSweepEvery = 1024
)

type entry struct {
	value    string
	expireAt int64 // unix nanos, 0 = never
}

func (e *entry) expired(now int64) bool {
	return e.expireAt != 0 && now >= e.expireAt
}

// LocalOption configures a Local cache.
type LocalOption func(*Local)

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) LocalOption { return func(l *Local) { l.now = now } }

// WithSweepEvery runs an expiry sweep after every n inserts.
func WithSweepEvery(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.sweepEvery = uint64(n)
		}
	}
}

// Local is an in-process MemDb backed by a lock-free skip list.
//
// Expired entries are evicted lazily: on read, and by a sweep that runs inline
// every sweepEvery inserts. There is no background goroutine.
// Reads never lock; writes and evictions of the same key serialize on a
// stripe lock so an eviction cannot remove an entry stored after the expired
// one was observed.
type Local struct {
	m          *skipmap.OrderedMap[string, *entry]
	stripes    [lockStripes]sync.Mutex
	now        func() time.Time
	sweepEvery uint64
	inserts    atomic.Uint64
	sweeping   atomic.Bool
}

var _ MemDb = (*Local)(nil)

// NewLocal returns an empty Local cache.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		m:          skipmap.New[string, *entry](),
		now:        time.Now,
		sweepEvery: defaultSweepEvery,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Local) stripe(key string) *sync.Mutex {
	return &l.stripes[xxhash.Sum64String(key)%lockStripes]
}

// Get implements MemDb.
func (l *Local) Get(_ context.Context, prefix, key string) (string, bool, error) {
	v, ok := l.get(FullKey(prefix, key))
	return v, ok, nil
}

func (l *Local) get(k string) (string, bool) {
	e, ok := l.m.Load(k)
	if !ok {
		return "", false
	}
	if e.expired(l.now().UnixNano()) {
		l.evict(k, e)
		return "", false
	}
	return e.value, true
}

// Set implements MemDb.
func (l *Local) Set(_ context.Context, prefix, key, value string, ttl time.Duration) error {
	l.set(FullKey(prefix, key), value, ttl)
	return nil
}

func (l *Local) set(k, value string, ttl time.Duration) {
	e := &entry{value: value}
	if ttl > 0 {
		e.expireAt = l.now().Add(ttl).UnixNano()
	}
	mu := l.stripe(k)
	mu.Lock()
	l.m.Store(k, e)
	mu.Unlock()

	if l.inserts.Add(1)%l.sweepEvery == 0 {
		l.Sweep()
	}
}

// Del implements MemDb.
func (l *Local) Del(_ context.Context, prefix, key string) error {
	l.del(FullKey(prefix, key))
	return nil
}

func (l *Local) del(k string) {
	mu := l.stripe(k)
	mu.Lock()
	l.m.Delete(k)
	mu.Unlock()
}

// evict removes k only if it still maps to the expired entry e.
func (l *Local) evict(k string, e *entry) {
	mu := l.stripe(k)
	mu.Lock()
	if cur, ok := l.m.Load(k); ok && cur == e {
		l.m.Delete(k)
	}
	mu.Unlock()
}

// Sweep evicts every expired entry. Concurrent calls collapse into one.
func (l *Local) Sweep() int {
	if !l.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer l.sweeping.Store(false)

	now := l.now().UnixNano()
	var victims []string
	var entries []*entry
	l.m.Range(func(k string, e *entry) bool {
		if e.expired(now) {
			victims = append(victims, k)
			entries = append(entries, e)
		}
		return true
	})
	for i, k := range victims {
		l.evict(k, entries[i])
	}
	return len(victims)
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (l *Local) Len() int { return l.m.Len() }
