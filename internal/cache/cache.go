// Package cache implements the in-process TTL+LRU cache used for embeddings
// and search results. Keys are sharded across independently locked segments
// so concurrent readers and writers contend per shard.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// Config holds cache sizing and expiry settings.
type Config struct {
	Capacity      int           // total entries across all shards
	TTL           time.Duration // default entry lifetime
	Shards        int           // lock granularity
	SweepInterval time.Duration // background purge period; 0 disables the sweep
}

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
	element *list.Element
}

type shard[V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*entry[V]
	order    *list.List
}

// Cache is a sharded LRU cache with per-entry TTL. An expired entry is never
// returned: it is purged lazily on read and eagerly by the sweep goroutine.
type Cache[V any] struct {
	shards   []*shard[V]
	ttl      time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweep.
func New[V any](cfg Config) *Cache[V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 512
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.Shards > cfg.Capacity {
		cfg.Shards = 1
	}

	perShard := cfg.Capacity / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}

	c := &Cache[V]{
		shards: make([]*shard[V], cfg.Shards),
		ttl:    cfg.TTL,
		done:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{
			capacity: perShard,
			items:    make(map[string]*entry[V], perShard),
			order:    list.New(),
		}
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	}
	return c
}

// Get returns the cached value and refreshes its recency. A logically
// expired entry counts as a miss and is removed.
func (c *Cache[V]) Get(key string) (V, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[key]; ok {
		if time.Now().Before(ent.expires) {
			s.order.MoveToFront(ent.element)
			return ent.value, true
		}
		s.removeEntry(ent)
	}
	var zero V
	return zero, false
}

// Set stores value under key. ttl <= 0 uses the cache default. Capacity
// overflow evicts the least-recently-used entry of the key's shard.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	expires := time.Now().Add(ttl)

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[key]; ok {
		ent.value = value
		ent.expires = expires
		s.order.MoveToFront(ent.element)
		return
	}

	if len(s.items) >= s.capacity {
		s.evictOldest()
	}

	elem := s.order.PushFront(key)
	s.items[key] = &entry[V]{key: key, value: value, expires: expires, element: elem}
}

// Len reports the number of live entries, counting not-yet-purged expired ones.
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*entry[V], s.capacity)
		s.order.Init()
		s.mu.Unlock()
	}
}

// Stop terminates the background sweep. Safe to call more than once.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep purges expired entries to bound memory between reads.
func (c *Cache[V]) sweep() {
	now := time.Now()
	for _, s := range c.shards {
		s.mu.Lock()
		for _, ent := range s.items {
			if !now.Before(ent.expires) {
				s.removeEntry(ent)
			}
		}
		s.mu.Unlock()
	}
}

func (s *shard[V]) evictOldest() {
	elem := s.order.Back()
	if elem == nil {
		return
	}
	if ent, ok := s.items[elem.Value.(string)]; ok {
		s.removeEntry(ent)
	}
}

func (s *shard[V]) removeEntry(ent *entry[V]) {
	if ent.element != nil {
		s.order.Remove(ent.element)
	}
	delete(s.items, ent.key)
}
