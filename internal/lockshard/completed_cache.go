package lockshard

import "container/list"

// completedCache is a fixed-capacity FIFO-eviction set of recently settled
// CTX ids. Eviction is strictly insertion-ordered, which rules out the LRU
// caches used elsewhere in this repository.
type completedCache struct {
	capacity int
	order    *list.List
	index    map[[32]byte]*list.Element
}

func newCompletedCache(capacity int) *completedCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &completedCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[[32]byte]*list.Element, capacity),
	}
}

// Contains reports whether id was recently recorded as completed.
func (c *completedCache) Contains(id [32]byte) bool {
	_, ok := c.index[id]
	return ok
}

// Add records id as completed, evicting the oldest entry if the cache is at
// capacity. Re-adding an already-present id is a no-op (idempotent apply
// retries must not reorder the FIFO).
func (c *completedCache) Add(id [32]byte) {
	if _, ok := c.index[id]; ok {
		return
	}
	elem := c.order.PushBack(id)
	c.index[id] = elem
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.([32]byte))
	}
}
