package tenant

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianauth/meridian/internal/storage"
)

func entryFor(slug string) *poolEntry {
	return &poolEntry{
		record: storage.TenantRecord{ID: uuid.New(), Slug: slug, Status: storage.TenantActive},
	}
}

func TestPoolCacheGetPut(t *testing.T) {
	c := newPoolCache(10, time.Hour)
	id := uuid.New()

	_, ok := c.get(id)
	assert.False(t, ok)

	c.put(id, entryFor("acme"))
	got, ok := c.get(id)
	require.True(t, ok)
	assert.Equal(t, "acme", got.record.Slug)
}

func TestPoolCacheEvictsLRU(t *testing.T) {
	c := newPoolCache(2, time.Hour)
	a, b, d := uuid.New(), uuid.New(), uuid.New()

	c.put(a, entryFor("a"))
	c.put(b, entryFor("b"))

	// Touch a so b becomes the eviction candidate.
	_, ok := c.get(a)
	require.True(t, ok)

	c.put(d, entryFor("d"))

	_, ok = c.get(b)
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.get(a)
	assert.True(t, ok)
	_, ok = c.get(d)
	assert.True(t, ok)
}

func TestPoolCacheTTLExpiry(t *testing.T) {
	c := newPoolCache(10, 20*time.Millisecond)
	id := uuid.New()

	c.put(id, entryFor("acme"))
	time.Sleep(30 * time.Millisecond)

	_, ok := c.get(id)
	assert.False(t, ok, "entry older than TTL should be dropped")
}

func TestPoolCacheRemove(t *testing.T) {
	c := newPoolCache(10, time.Hour)
	id := uuid.New()

	c.put(id, entryFor("acme"))
	c.remove(id)

	_, ok := c.get(id)
	assert.False(t, ok)

	// Removing an absent id is a no-op.
	c.remove(uuid.New())
}

type countingCloser struct {
	closed atomic.Int32
}

func (c *countingCloser) Close() { c.closed.Add(1) }

func TestPoolCacheEvictionDrainsBeforeClose(t *testing.T) {
	c := newPoolCache(1, time.Hour)
	c.drainGrace = 20 * time.Millisecond

	closer := &countingCloser{}
	id := uuid.New()
	entry := entryFor("dedicated")
	entry.owned = closer
	c.put(id, entry)

	// Evict by exceeding capacity. The pool must stay open through the
	// grace window so a racing borrower can finish.
	c.put(uuid.New(), entryFor("other"))
	assert.Equal(t, int32(0), closer.closed.Load())

	assert.Eventually(t, func() bool {
		return closer.closed.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPoolCachePutReplaces(t *testing.T) {
	c := newPoolCache(10, time.Hour)
	id := uuid.New()

	c.put(id, entryFor("old"))
	c.put(id, entryFor("new"))

	got, ok := c.get(id)
	require.True(t, ok)
	assert.Equal(t, "new", got.record.Slug)
}
