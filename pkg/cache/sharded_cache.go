package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedCache is a concurrent map split into shards to keep lock
// contention low. Entries carry their write time for age checks.
type ShardedCache[T any] struct {
	shards [numShards]*shard[T]
	now    func() time.Time
}

type shard[T any] struct {
	mu    sync.RWMutex
	items map[string]entry[T]
}

type entry[T any] struct {
	value     T
	updatedAt time.Time
}

// NewShardedCache creates an empty cache.
func NewShardedCache[T any]() *ShardedCache[T] {
	c := &ShardedCache[T]{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[T]{items: make(map[string]entry[T])}
	}
	return c
}

func (c *ShardedCache[T]) getShard(key string) *shard[T] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores value under key.
func (c *ShardedCache[T]) Set(key string, value T) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry[T]{value: value, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get retrieves the value for key.
func (c *ShardedCache[T]) Get(key string) (T, bool) {
	v, _, ok := c.GetWithAge(key)
	return v, ok
}

// GetWithAge retrieves the value and how long ago it was written.
func (c *ShardedCache[T]) GetWithAge(key string) (T, time.Duration, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, 0, false
	}
	return e.value, c.now().Sub(e.updatedAt), true
}

// GetFresh returns the value only if it is younger than maxAge.
func (c *ShardedCache[T]) GetFresh(key string, maxAge time.Duration) (T, bool) {
	v, age, ok := c.GetWithAge(key)
	if !ok || age > maxAge {
		var zero T
		return zero, false
	}
	return v, true
}

// Delete removes key.
func (c *ShardedCache[T]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedCache[T]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedCache[T]) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedCache[T]) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time
	for i, s := range c.shards {
		s.mu.RLock()
		stats.ShardCounts[i] = len(s.items)
		stats.TotalItems += len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.updatedAt.Before(oldest) {
				oldest = e.updatedAt
			}
		}
		s.mu.RUnlock()
	}
	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
