package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
)

// DefaultMemoryCapacityBytes is the in-process cache's default byte
// capacity (§4.3.1, §6 cache.size_bytes default).
const DefaultMemoryCapacityBytes = 256 * 1024 * 1024

// Memory is the in-process size-bounded variant of C3: capacity is
// measured in bytes, eviction is LRU (the spec permits and recommends
// strengthening the reference "arbitrary entry" rule to LRU — §9), and
// PutIfChanged is an unconditional insert, since change detection on this
// backend is a pure optimization for remote writes that don't exist here
// (§4.3.1, §9 item 4). Adapted from the teacher's
// internal/resolvers.TTLCache (container/list + map), generalized from
// entry-count+TTL bounding to byte-capacity bounding with no expiry.
type Memory struct {
	mu            sync.Mutex
	capacityBytes int
	usedBytes     int
	lru           *list.List
	data          map[string]*list.Element
	log           *slog.Logger
}

type memEntry struct {
	id    string
	key   Key
	value Value
	size  int
}

// NewMemory creates an in-process cache with the given byte capacity. A
// nil logger disables the "rejected zero-size entry" diagnostic.
func NewMemory(capacityBytes int, log *slog.Logger) *Memory {
	if capacityBytes <= 0 {
		capacityBytes = DefaultMemoryCapacityBytes
	}
	return &Memory{
		capacityBytes: capacityBytes,
		lru:           list.New(),
		data:          map[string]*list.Element{},
		log:           log,
	}
}

func (c *Memory) Get(_ context.Context, key Key) (Value, bool) {
	id := key.ID()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.data[id]
	if !ok {
		return Value{}, false
	}
	c.lru.MoveToBack(elem)
	return elem.Value.(*memEntry).value, true
}

func (c *Memory) Put(_ context.Context, key Key, value Value) {
	c.insert(key, value)
}

// PutIfChanged unconditionally inserts on the in-process variant: there is
// no external side effect for change detection to suppress here (§9 item 4).
func (c *Memory) PutIfChanged(_ context.Context, key Key, value Value) {
	c.insert(key, value)
}

// TryQuiesce is the deferred-housekeeping hook (§4.3.1). This
// implementation has no recency metadata to promote beyond what Get/Put
// already maintain, so it is a no-op; it exists so callers can invoke it
// unconditionally after every search per §4.4.2 step 6.
func (c *Memory) TryQuiesce(_ context.Context) {}

func (c *Memory) insert(key Key, value Value) {
	size := value.Size()
	if size <= 0 {
		if c.log != nil {
			c.log.Error("cache: rejecting entry with non-positive estimated size", "key", key.ID())
		}
		return
	}
	id := key.ID()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.data[id]; ok {
		old := elem.Value.(*memEntry)
		c.usedBytes -= old.size
		elem.Value = &memEntry{id: id, key: key, value: value, size: size}
		c.usedBytes += size
		c.lru.MoveToBack(elem)
		c.evictLocked()
		return
	}

	elem := c.lru.PushBack(&memEntry{id: id, key: key, value: value, size: size})
	c.data[id] = elem
	c.usedBytes += size
	c.evictLocked()
}

func (c *Memory) evictLocked() {
	for c.usedBytes > c.capacityBytes {
		front := c.lru.Front()
		if front == nil {
			return
		}
		e := front.Value.(*memEntry)
		c.lru.Remove(front)
		delete(c.data, e.id)
		c.usedBytes -= e.size
	}
}
