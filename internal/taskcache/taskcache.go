package taskcache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ratchetd/ratchet/internal/domain/task"
)

// Cache is a bounded LRU of resolved task descriptors keyed by task identity.
// Besides the entry cap it carries an approximate byte budget built from
// source and schema sizes; inserting past either limit evicts from the tail.
type Cache struct {
	mu sync.Mutex

	lru      *simplelru.LRU[string, task.Task]
	maxBytes int
	curBytes int

	hits      uint64
	misses    uint64
	evictions uint64
}

type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
	Bytes     int    `json:"bytes"`
}

func New(maxEntries, maxBytes int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 128
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}

	c := &Cache{maxBytes: maxBytes}

	lru, err := simplelru.NewLRU(maxEntries, func(key string, t task.Task) {
		c.curBytes -= t.EstimateSize()
		c.evictions++
	})
	if err != nil {
		return nil, err
	}

	c.lru = lru
	return c, nil
}

func (c *Cache) Get(key string) (task.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return task.Task{}, false
	}
	c.hits++
	return t, true
}

func (c *Cache) Put(key string, t task.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// replacing an existing key does not fire the eviction callback, so the
	// old value's bytes are settled here; displaced tail entries settle in
	// the callback
	if old, ok := c.lru.Peek(key); ok {
		c.curBytes -= old.EstimateSize()
	}
	c.lru.Add(key, t)
	c.curBytes += t.EstimateSize()

	for c.curBytes > c.maxBytes && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
}

func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lru.Contains(key) {
		return false
	}
	// Remove fires the eviction callback; it counts as an eviction stat too
	return c.lru.Remove(key)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.curBytes = 0
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   c.lru.Len(),
		Bytes:     c.curBytes,
	}
}
