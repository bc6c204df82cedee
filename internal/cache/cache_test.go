package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/ldap-cache-proxy/internal/ldapwire"
)

func sampleKey(t *testing.T, bindDN, base string) Key {
	t.Helper()
	filter, err := ldapwire.ParseFilterString("(objectClass=person)")
	require.NoError(t, err)
	sr := &ldapwire.SearchRequest{
		BaseDN:     base,
		Scope:      ldapwire.ScopeWholeSubtree,
		Filter:     filter,
		Attributes: []string{"cn"},
	}
	return NewKey(bindDN, sr, nil)
}

func sampleValue(dn string) Value {
	return Value{
		CachedAt: time.Time{},
		Entries: []Entry{
			{Result: ldapwire.SearchResultEntry{
				DN: dn,
				Attributes: []ldapwire.EntryAttribute{
					{Name: "cn", Values: [][]byte{[]byte("alice")}},
				},
			}},
		},
		Result: ldapwire.Result{Code: ldapwire.ResultSuccess},
	}
}

func TestKey_EqualAndID(t *testing.T) {
	k1 := sampleKey(t, "cn=svc,dc=example,dc=com", "dc=example,dc=com")
	k2 := sampleKey(t, "cn=svc,dc=example,dc=com", "dc=example,dc=com")
	k3 := sampleKey(t, "cn=other,dc=example,dc=com", "dc=example,dc=com")

	assert.True(t, k1.Equal(k2))
	assert.Equal(t, k1.ID(), k2.ID())
	assert.False(t, k1.Equal(k3))
	assert.NotEqual(t, k1.Hash64(), k3.Hash64())
}

func TestValue_EqualForChangeDetectionIgnoresCachedAt(t *testing.T) {
	v1 := sampleValue("cn=alice,dc=example,dc=com")
	v1.CachedAt = time.Unix(1000, 0)
	v2 := sampleValue("cn=alice,dc=example,dc=com")
	v2.CachedAt = time.Unix(2000, 0)

	assert.True(t, v1.EqualForChangeDetection(v2))

	v3 := sampleValue("cn=bob,dc=example,dc=com")
	assert.False(t, v1.EqualForChangeDetection(v3))
}

func TestValue_SizeIsPositiveAndDeterministic(t *testing.T) {
	v := sampleValue("cn=alice,dc=example,dc=com")
	assert.Greater(t, v.Size(), 0)
	assert.Equal(t, v.Size(), sampleValue("cn=alice,dc=example,dc=com").Size())
}

func TestMemory_PutGetAndQuiesce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, nil)

	k := sampleKey(t, "cn=a,dc=example,dc=com", "dc=example,dc=com")
	v := sampleValue("cn=alice,dc=example,dc=com")
	m.Put(ctx, k, v)

	got, ok := m.Get(ctx, k)
	require.True(t, ok)
	assert.True(t, got.EqualForChangeDetection(v))

	m.TryQuiesce(ctx)
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	v := sampleValue("cn=alice,dc=example,dc=com")
	m := NewMemory(v.Size()+1, nil) // room for roughly one entry

	k1 := sampleKey(t, "cn=a,dc=example,dc=com", "dc=example,dc=com")
	k2 := sampleKey(t, "cn=b,dc=example,dc=com", "dc=example,dc=com")

	m.Put(ctx, k1, v)
	m.Put(ctx, k2, v)

	_, ok1 := m.Get(ctx, k1)
	_, ok2 := m.Get(ctx, k2)
	assert.False(t, ok1, "oldest entry should have been evicted")
	assert.True(t, ok2)
}

func TestMemory_PutIfChangedAlwaysInserts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, nil)
	k := sampleKey(t, "cn=a,dc=example,dc=com", "dc=example,dc=com")
	v := sampleValue("cn=alice,dc=example,dc=com")

	m.PutIfChanged(ctx, k, v)
	got, ok := m.Get(ctx, k)
	require.True(t, ok)
	assert.True(t, got.EqualForChangeDetection(v))
}

// fakeRemoteStore is an in-memory RemoteStore for exercising Tiered
// without a real Redis connection.
type fakeRemoteStore struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newFakeRemoteStore() *fakeRemoteStore {
	return &fakeRemoteStore{data: map[string][]byte{}}
}

func (f *fakeRemoteStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, ErrRemoteMiss
	}
	return v, nil
}

func (f *fakeRemoteStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	f.sets++
	return nil
}

func TestTiered_PutThenGetHitsL1(t *testing.T) {
	ctx := context.Background()
	store := newFakeRemoteStore()
	tc := NewTiered(store, "", 0, 0, nil)

	k := sampleKey(t, "cn=a,dc=example,dc=com", "dc=example,dc=com")
	v := sampleValue("cn=alice,dc=example,dc=com")

	tc.Put(ctx, k, v)
	got, ok := tc.Get(ctx, k)
	require.True(t, ok)
	assert.True(t, got.EqualForChangeDetection(v))
	assert.Equal(t, 1, store.sets)
}

func TestTiered_GetPromotesFromL2(t *testing.T) {
	ctx := context.Background()
	store := newFakeRemoteStore()
	writer := NewTiered(store, "prefix:", 0, 0, nil)

	k := sampleKey(t, "cn=a,dc=example,dc=com", "dc=example,dc=com")
	v := sampleValue("cn=alice,dc=example,dc=com")
	writer.Put(ctx, k, v)

	reader := NewTiered(store, "prefix:", 0, 0, nil)
	got, ok := reader.Get(ctx, k)
	require.True(t, ok)
	assert.True(t, got.EqualForChangeDetection(v))
}

func TestTiered_PutIfChangedSkipsL2WhenUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newFakeRemoteStore()
	tc := NewTiered(store, "", 0, 0, nil)

	k := sampleKey(t, "cn=a,dc=example,dc=com", "dc=example,dc=com")
	v := sampleValue("cn=alice,dc=example,dc=com")

	tc.Put(ctx, k, v)
	setsAfterFirst := store.sets

	tc.PutIfChanged(ctx, k, v)
	assert.Equal(t, setsAfterFirst, store.sets, "unchanged value must not trigger another L2 write")

	changed := sampleValue("cn=bob,dc=example,dc=com")
	tc.PutIfChanged(ctx, k, changed)
	assert.Equal(t, setsAfterFirst+1, store.sets, "changed value must write through to L2")
}

func TestTiered_EvictsL1WhenOverCapacity(t *testing.T) {
	ctx := context.Background()
	store := newFakeRemoteStore()
	tc := NewTiered(store, "", 0, 1, nil)

	k1 := sampleKey(t, "cn=a,dc=example,dc=com", "dc=example,dc=com")
	k2 := sampleKey(t, "cn=b,dc=example,dc=com", "dc=example,dc=com")
	v := sampleValue("cn=alice,dc=example,dc=com")

	tc.Put(ctx, k1, v)
	tc.Put(ctx, k2, v)

	tc.mu.Lock()
	_, k1InL1 := tc.data[k1.ID()]
	tc.mu.Unlock()
	assert.False(t, k1InL1, "k1 should have been evicted from L1 once over capacity")

	// k1 is still retrievable via L2 fallback.
	got, ok := tc.Get(ctx, k1)
	require.True(t, ok)
	assert.True(t, got.EqualForChangeDetection(v))
}

func TestCountingBackend_TracksHitsMissesWrites(t *testing.T) {
	ctx := context.Background()
	cb := NewCountingBackend(NewMemory(0, nil))

	k := sampleKey(t, "cn=a,dc=example,dc=com", "dc=example,dc=com")
	v := sampleValue("cn=alice,dc=example,dc=com")

	_, ok := cb.Get(ctx, k)
	assert.False(t, ok)

	cb.Put(ctx, k, v)
	_, ok = cb.Get(ctx, k)
	assert.True(t, ok)

	snap := cb.Stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Hits)
	assert.Equal(t, uint64(1), snap.Misses)
	assert.Equal(t, uint64(1), snap.Writes)
	assert.InDelta(t, 0.5, snap.HitRatio, 0.0001)
}

func TestCountingBackend_PutIfChangedCountsAsWrite(t *testing.T) {
	ctx := context.Background()
	cb := NewCountingBackend(NewMemory(0, nil))
	k := sampleKey(t, "cn=a,dc=example,dc=com", "dc=example,dc=com")
	v := sampleValue("cn=alice,dc=example,dc=com")

	cb.PutIfChanged(ctx, k, v)
	assert.Equal(t, uint64(1), cb.Stats.Snapshot().Writes)
}

func TestStats_SnapshotWithNoActivity(t *testing.T) {
	s := &Stats{}
	snap := s.Snapshot()
	assert.Equal(t, uint64(0), snap.Hits)
	assert.Equal(t, uint64(0), snap.Misses)
	assert.Equal(t, 0.0, snap.HitRatio)
}
