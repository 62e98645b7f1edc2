package scheduler

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/vecsched/internal/scheduler/device"
	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
)

type handleKey struct {
	resource schedulerobjects.ResourceHandle
	segment  string
}

// residentHandle is a cached upload. refs counts the items using it; an evicted handle stays on the device
// until the last of them lets go.
type residentHandle struct {
	key     handleKey
	handle  device.IndexHandle
	refs    int
	evicted bool
}

// handleCache keeps segments resident on accelerators so repeated searches of the same segment skip the
// upload. Every handle handed out is pinned and must be returned with unpin. Evicted handles are released on
// the device once unpinned.
type handleCache struct {
	mu     sync.Mutex
	cache  *lru.Cache
	live   map[device.IndexHandle]*residentHandle
	driver device.Driver
}

func newHandleCache(size int, driver device.Driver) (*handleCache, error) {
	c := &handleCache{
		live:   make(map[device.IndexHandle]*residentHandle),
		driver: driver,
	}
	cache, err := lru.NewWithEvict(size, func(_ interface{}, value interface{}) {
		entry := value.(*residentHandle)
		entry.evicted = true
		if entry.refs == 0 {
			c.releaseLocked(entry)
		}
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.cache = cache
	return c, nil
}

// acquire returns the cached handle for key, pinned.
func (c *handleCache) acquire(key handleKey) (device.IndexHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(key)
	if !ok {
		return device.IndexHandle{}, false
	}
	entry := v.(*residentHandle)
	entry.refs++
	return entry.handle, true
}

// add stores h pinned, unless another upload of the same segment won the race, in which case h is released
// and the cached handle returned pinned instead.
func (c *handleCache) add(ctx context.Context, key handleKey, h device.IndexHandle) device.IndexHandle {
	c.mu.Lock()
	existing, ok := c.cache.Get(key)
	if !ok {
		entry := &residentHandle{key: key, handle: h, refs: 1}
		c.live[h] = entry
		c.cache.Add(key, entry)
		c.mu.Unlock()
		return h
	}
	entry := existing.(*residentHandle)
	entry.refs++
	c.mu.Unlock()
	if err := c.driver.ReleaseIndex(ctx, h); err != nil {
		log.WithError(err).WithField("resource", key.resource).Warnf("failed to release duplicate index %d", h.Id)
	}
	return entry.handle
}

// unpin drops one reference to payload if it is a handle from this cache. Anything else is ignored.
func (c *handleCache) unpin(payload any) {
	h, ok := payload.(device.IndexHandle)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.live[h]
	if !ok || entry.refs == 0 {
		return
	}
	entry.refs--
	if entry.refs == 0 && entry.evicted {
		c.releaseLocked(entry)
	}
}

func (c *handleCache) releaseLocked(entry *residentHandle) {
	delete(c.live, entry.handle)
	if err := c.driver.ReleaseIndex(context.Background(), entry.handle); err != nil {
		log.WithError(err).WithField("resource", entry.key.resource).Warnf("failed to release index %d", entry.handle.Id)
	}
}

// removeResource evicts every handle held on r.
func (c *handleCache) removeResource(r schedulerobjects.ResourceHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.cache.Keys() {
		if k.(handleKey).resource == r {
			c.cache.Remove(k)
		}
	}
}

func (c *handleCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// pinned counts handles with at least one reference.
func (c *handleCache) pinned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, entry := range c.live {
		if entry.refs > 0 {
			n++
		}
	}
	return n
}

// purge releases every handle, pinned or not. Only called once nothing can use them any more.
func (c *handleCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
	for _, entry := range c.live {
		c.releaseLocked(entry)
	}
}
