package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

type shard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// MemoryCache is a sharded in-process cache. Check-and-set happens under
// the key's shard lock, so unrelated keys rarely contend.
type MemoryCache struct {
	shards [shardCount]shard
	now    func() time.Time
}

var (
	_ Cache  = (*MemoryCache)(nil)
	_ Pruner = (*MemoryCache)(nil)
)

func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{now: time.Now}
	for i := range c.shards {
		c.shards[i].entries = map[string]time.Time{}
	}
	return c
}

func (c *MemoryCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%shardCount]
}

func (c *MemoryCache) MarkSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	s := c.shardFor(key)
	now := c.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryCache) Forget(_ context.Context, key string) error {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (c *MemoryCache) Prune(_ context.Context) (int, error) {
	now := c.now()
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, exp := range s.entries {
			if !now.Before(exp) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}
