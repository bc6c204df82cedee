package cache

import (
	"context"
	"sync/atomic"
)

// Stats collects cache hit/miss/write counters. All methods are safe for
// concurrent use. Adapted from the teacher's internal/server.DNSStats
// shape (atomic counters plus a point-in-time Snapshot), applied here to
// cache outcomes instead of query transport/response codes.
type Stats struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	writes atomic.Uint64
}

// StatsSnapshot is a point-in-time snapshot of cache statistics.
type StatsSnapshot struct {
	Hits       uint64
	Misses     uint64
	Writes     uint64
	HitRatio   float64
}

// Snapshot returns the current statistics.
func (s *Stats) Snapshot() StatsSnapshot {
	hits := s.hits.Load()
	misses := s.misses.Load()
	total := hits + misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return StatsSnapshot{Hits: hits, Misses: misses, Writes: s.writes.Load(), HitRatio: ratio}
}

// CountingBackend wraps a Backend, recording Get hit/miss and write
// counts without altering cache semantics.
type CountingBackend struct {
	Backend
	Stats *Stats
}

// NewCountingBackend wraps backend with a fresh Stats collector.
func NewCountingBackend(backend Backend) *CountingBackend {
	return &CountingBackend{Backend: backend, Stats: &Stats{}}
}

func (c *CountingBackend) Get(ctx context.Context, key Key) (Value, bool) {
	v, ok := c.Backend.Get(ctx, key)
	if ok {
		c.Stats.hits.Add(1)
	} else {
		c.Stats.misses.Add(1)
	}
	return v, ok
}

func (c *CountingBackend) Put(ctx context.Context, key Key, value Value) {
	c.Stats.writes.Add(1)
	c.Backend.Put(ctx, key, value)
}

func (c *CountingBackend) PutIfChanged(ctx context.Context, key Key, value Value) {
	c.Stats.writes.Add(1)
	c.Backend.PutIfChanged(ctx, key, value)
}
