package tenant

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/storage"
)

type poolEntry struct {
	record storage.TenantRecord
	store  *storage.Store
	// owned is non-nil for dedicated pools; the cache closes it after a
	// drain grace once evicted. Shared entries point at the master pool
	// and own nothing.
	owned    poolCloser
	admitted time.Time
}

// poolCloser is what the cache needs from pgxpool.Pool.
type poolCloser interface {
	Close()
}

// poolDrainGrace is how long an evicted dedicated pool stays open so a
// store handle obtained just before eviction can finish its queries.
const poolDrainGrace = 30 * time.Second

// poolCache is an LRU with TTL over live pool handles. Interior
// synchronization keeps lookups non-blocking on the happy path.
type poolCache struct {
	mu         sync.Mutex
	capacity   int
	ttl        time.Duration
	drainGrace time.Duration
	order      *list.List // front = most recently used
	items      map[uuid.UUID]*list.Element
}

type cacheNode struct {
	id    uuid.UUID
	entry *poolEntry
}

func newPoolCache(capacity int, ttl time.Duration) *poolCache {
	return &poolCache{
		capacity:   capacity,
		ttl:        ttl,
		drainGrace: poolDrainGrace,
		order:      list.New(),
		items:      make(map[uuid.UUID]*list.Element),
	}
}

func (c *poolCache) get(id uuid.UUID) (*poolEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return nil, false
	}

	node := el.Value.(*cacheNode)
	if time.Since(node.entry.admitted) > c.ttl {
		c.evict(el)
		return nil, false
	}

	c.order.MoveToFront(el)
	return node.entry, true
}

func (c *poolCache) put(id uuid.UUID, entry *poolEntry) {
	entry.admitted = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		c.evict(el)
	}

	el := c.order.PushFront(&cacheNode{id: id, entry: entry})
	c.items[id] = el

	for c.order.Len() > c.capacity {
		c.evict(c.order.Back())
	}
}

func (c *poolCache) remove(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.evict(el)
	}
}

func (c *poolCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.order.Len() > 0 {
		c.evict(c.order.Back())
	}
}

// evict must run under mu.
func (c *poolCache) evict(el *list.Element) {
	node := el.Value.(*cacheNode)
	c.order.Remove(el)
	delete(c.items, node.id)
	if node.entry.owned != nil {
		// A caller may hold the store from a lookup that raced this
		// eviction; keep the pool alive long enough for its request to
		// drain before closing.
		time.AfterFunc(c.drainGrace, node.entry.owned.Close)
	}
}
