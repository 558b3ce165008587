package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	memoryShards       = 64
	defaultMemoryKeys  = 100_000
	counterPerKeyRatio = 10
)

type window struct {
	start time.Time
	count int64
}

// MemoryStore keeps fixed-window counters in a ristretto cache bounded by
// key count. Each key is guarded by one of 64 striped mutexes, so only
// requests from clients that hash to the same shard contend.
//
// Counters are local to this process and vanish on restart.
type MemoryStore struct {
	cache  *ristretto.Cache[string, *window]
	shards [memoryShards]sync.Mutex
	now    func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides time.Now, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore returns a store tracking at most maxKeys windows. Older,
// less frequently used clients are evicted first.
func NewMemoryStore(maxKeys int64, opts ...MemoryOption) (*MemoryStore, error) {
	if maxKeys <= 0 {
		maxKeys = defaultMemoryKeys
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: maxKeys * counterPerKeyRatio,
		MaxCost:     maxKeys,
		BufferItems: 64,
		// Cost is a key count, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: creating memory store: %w", err)
	}
	m := &MemoryStore{cache: cache, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *MemoryStore) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%memoryShards]
}

// Allow increments the counter for key and reports the decision.
func (m *MemoryStore) Allow(_ context.Context, key string, limit int64, win time.Duration) (Result, error) {
	now := m.now()

	mu := m.shard(key)
	mu.Lock()
	defer mu.Unlock()

	w, ok := m.cache.Get(key)
	if !ok || !now.Before(w.start.Add(win)) || now.Before(w.start) {
		w = &window{start: now}
		// The TTL only reclaims memory; expiry is decided by the window
		// start above.
		m.cache.SetWithTTL(key, w, 1, win)
		m.cache.Wait()
	}
	w.count++

	return decide(w.count, limit, w.start.Add(win).Sub(now)), nil
}

// Close releases the cache. Safe to call more than once.
func (m *MemoryStore) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}
