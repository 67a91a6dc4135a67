package filter

import (
	"container/list"
	"sync"
)

// Cache LRU-caches compiled expressions keyed by their raw string (§4.1
// "Caching"). It is built on container/list + map rather than a
// third-party LRU package: the eviction policy is eight lines of pointer
// juggling, and every candidate in the corpus pulls in either a generic
// cache keyed by comparable (overkill for a single string key) or a
// sharded concurrent map (unneeded at this size) — plain stdlib earns its
// keep here.
type Cache struct {
	mu       sync.Mutex
	capacity int
	registry *Registry
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key  string
	expr *Expr
}

// NewCache returns a Cache bounded to capacity entries, compiling against
// reg on a miss. capacity <= 0 disables eviction (unbounded).
func NewCache(capacity int, reg *Registry) *Cache {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Cache{
		capacity: capacity,
		registry: reg,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Compile returns the cached Expr for raw, compiling and inserting it on a
// miss.
func (c *Cache) Compile(raw string) (*Expr, error) {
	c.mu.Lock()
	if el, ok := c.items[raw]; ok {
		c.ll.MoveToFront(el)
		entry := el.Value.(*cacheEntry)
		c.mu.Unlock()
		return entry.expr, nil
	}
	c.mu.Unlock()

	expr, err := CompileWithRegistry(raw, c.registry)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[raw]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*cacheEntry).expr, nil
	}
	el := c.ll.PushFront(&cacheEntry{key: raw, expr: expr})
	c.items[raw] = el
	if c.capacity > 0 {
		for c.ll.Len() > c.capacity {
			oldest := c.ll.Back()
			if oldest == nil {
				break
			}
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
	return expr, nil
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
