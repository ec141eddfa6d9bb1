package crystal

import "container/list"

// chordCache is a fixed-capacity LRU of chord lifecycle entries. Callers hold
// Engine.mu.
type chordCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List // front is most recent
}

type cacheItem struct {
	key string
	ent *chordEntry
}

func newChordCache(capacity int) *chordCache {
	return &chordCache{capacity: capacity, items: map[string]*list.Element{}, order: list.New()}
}

func (c *chordCache) get(key string) (*chordEntry, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheItem).ent, true
}

func (c *chordCache) put(key string, ent *chordEntry) {
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).ent = ent
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheItem{key: key, ent: ent})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}

func (c *chordCache) len() int { return c.order.Len() }
