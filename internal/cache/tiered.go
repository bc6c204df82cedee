package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultL1Entries is the tiered cache's default L1 entry-count bound
// (§4.3.2).
const DefaultL1Entries = 1000

// l2WriteDeadline is the fixed deadline on each L2 write (§4.3.2, §5).
const l2WriteDeadline = 100 * time.Millisecond

// DefaultKeyPrefix is the default remote-key prefix (§4.3.2, §6).
const DefaultKeyPrefix = "ldap_proxy:"

// ErrRemoteMiss is returned by a RemoteStore when the key is absent.
var ErrRemoteMiss = errors.New("cache: remote store miss")

// RemoteStore is the L2 dependency: a persistent, auto-reconnecting
// connection to a remote key/value store (§4.3.2, §9 "remote-store
// connection"). Implementations must serialize commands internally —
// this package never pools or constructs per-request connections.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Tiered is the two-tier variant of C3: an in-process L1 map bounded by
// entry count, backed by a RemoteStore L2 (§4.3.2). Grounded on the same
// container/list LRU shape as Memory and the teacher's TTLCache, and on
// original_source/src/proxy.rs's TieredCache (L1 HashMap + Redis
// ConnectionManager, promote-on-hit, set_if_changed).
type Tiered struct {
	store  RemoteStore
	prefix string
	ttl    time.Duration // 0 means no expiry

	mu   sync.Mutex
	lru  *list.List
	data map[string]*list.Element
	cap  int

	log *slog.Logger
}

type tieredEntry struct {
	id    string
	value Value
}

// NewTiered creates a tiered cache. capEntries <= 0 uses DefaultL1Entries;
// ttl <= 0 means L2 writes never expire.
func NewTiered(store RemoteStore, prefix string, ttl time.Duration, capEntries int, log *slog.Logger) *Tiered {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if capEntries <= 0 {
		capEntries = DefaultL1Entries
	}
	return &Tiered{
		store:  store,
		prefix: prefix,
		ttl:    ttl,
		lru:    list.New(),
		data:   map[string]*list.Element{},
		cap:    capEntries,
		log:    log,
	}
}

func (c *Tiered) remoteKey(key Key) string {
	return remoteKeyForHash(c.prefix, key.Hash64())
}

func (c *Tiered) Get(ctx context.Context, key Key) (Value, bool) {
	id := key.ID()

	c.mu.Lock()
	if elem, ok := c.data[id]; ok {
		c.lru.MoveToBack(elem)
		v := elem.Value.(*tieredEntry).value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	data, err := c.store.Get(ctx, c.remoteKey(key))
	if err != nil {
		if !errors.Is(err, ErrRemoteMiss) && c.log != nil {
			c.log.Debug("cache: L2 get failed, treating as miss", "err", err)
		}
		return Value{}, false
	}

	v, err := decodeValue(data)
	if err != nil {
		if c.log != nil {
			c.log.Debug("cache: L2 value type mismatch, treating as miss", "err", err)
		}
		return Value{}, false
	}

	c.promote(id, v)
	return v, true
}

func (c *Tiered) promote(id string, v Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(id, v)
}

func (c *Tiered) Put(ctx context.Context, key Key, value Value) {
	id := key.ID()

	c.mu.Lock()
	c.insertLocked(id, value)
	c.mu.Unlock()

	c.writeL2(ctx, key, value)
}

// PutIfChanged reads the current value via the L1/L2 cascade; if it is
// unchanged under the change-detection equality (§4.3), the L2 write is
// skipped but L1 is still refreshed. Otherwise a full write happens.
func (c *Tiered) PutIfChanged(ctx context.Context, key Key, value Value) {
	id := key.ID()

	existing, found := c.Get(ctx, key)
	if found && existing.EqualForChangeDetection(value) {
		if c.log != nil {
			c.log.Debug("cache: value unchanged, skipping L2 write")
		}
		c.mu.Lock()
		c.insertLocked(id, value)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.insertLocked(id, value)
	c.mu.Unlock()
	c.writeL2(ctx, key, value)
}

// TryQuiesce is a no-op on the remote backend (§4.3).
func (c *Tiered) TryQuiesce(_ context.Context) {}

func (c *Tiered) insertLocked(id string, v Value) {
	if elem, ok := c.data[id]; ok {
		elem.Value = &tieredEntry{id: id, value: v}
		c.lru.MoveToBack(elem)
		return
	}
	if len(c.data) >= c.cap {
		front := c.lru.Front()
		if front != nil {
			e := front.Value.(*tieredEntry)
			c.lru.Remove(front)
			delete(c.data, e.id)
		}
	}
	elem := c.lru.PushBack(&tieredEntry{id: id, value: v})
	c.data[id] = elem
}

func (c *Tiered) writeL2(parent context.Context, key Key, value Value) {
	data, err := encodeValue(value)
	if err != nil {
		if c.log != nil {
			c.log.Error("cache: failed to serialize value for L2 write", "err", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(parent, l2WriteDeadline)
	defer cancel()

	if err := c.store.Set(ctx, c.remoteKey(key), data, c.ttl); err != nil {
		if c.log != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.log.Warn("cache: L2 write timed out, continuing with L1 only")
			} else {
				c.log.Debug("cache: L2 write failed", "err", err)
			}
		}
	}
}

func encodeValue(v Value) ([]byte, error) {
	return json.Marshal(v)
}

func decodeValue(data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, err
	}
	return v, nil
}

func remoteKeyForHash(prefix string, h uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return prefix + string(buf)
}
