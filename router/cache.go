package router

import "container/list"

// lruCache is a small fixed-capacity LRU for routing decisions. Hits and
// evictions are strictly deterministic, which the routing tests rely on.
type lruCache struct {
	capacity int
	order    *list.List // front = most recent
	entries  map[string]*list.Element
}

type lruEntry struct {
	key      string
	decision Decision
}

func newLRUCache(capacity int) *lruCache {
	if capacity < 1 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) (Decision, bool) {
	el, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).decision, true
}

func (c *lruCache) put(key string, d Decision) {
	if el, ok := c.entries[key]; ok {
		el.Value.(*lruEntry).decision = d
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&lruEntry{key: key, decision: d})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) remove(key string) {
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

func (c *lruCache) len() int { return c.order.Len() }
