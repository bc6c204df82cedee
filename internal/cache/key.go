// Package cache implements the cache abstraction (C3) and cache-key
// derivation (C6): a uniform get/put/put-if-changed contract over an
// in-process size-bounded variant and a tiered in-process+remote variant,
// adapted from the teacher's internal/resolvers.TTLCache (HydraDNS) —
// generalized from entry-count/TTL eviction to the byte-bounded,
// change-detecting semantics this proxy requires.
package cache

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"

	"github.com/jroosing/ldap-cache-proxy/internal/ldapwire"
)

// Key identifies one cached search: the (bind_dn, search_request,
// request_controls) triple (§3). Two Keys are equal iff all three
// components are equal; any control — including ones that alter search
// semantics such as paged-results — is part of the key because it is
// part of Controls.
type Key struct {
	BindDN       string
	Base         string
	Scope        ldapwire.Scope
	DerefAliases int64
	SizeLimit    int64
	TimeLimit    int64
	TypesOnly    bool
	FilterRaw    []byte
	Attributes   []string
	Controls     []ldapwire.Control
}

// NewKey derives the cache key for a search request under a bind identity.
func NewKey(bindDN string, sr *ldapwire.SearchRequest, controls []ldapwire.Control) Key {
	var filterRaw []byte
	if p := sr.Filter.Packet(); p != nil {
		filterRaw = p.Bytes()
	}
	return Key{
		BindDN:       bindDN,
		Base:         sr.BaseDN,
		Scope:        sr.Scope,
		DerefAliases: sr.DerefAliases,
		SizeLimit:    sr.SizeLimit,
		TimeLimit:    sr.TimeLimit,
		TypesOnly:    sr.TypesOnly,
		FilterRaw:    filterRaw,
		Attributes:   append([]string(nil), sr.Attributes...),
		Controls:     append([]ldapwire.Control(nil), controls...),
	}
}

// canonical produces a deterministic byte encoding of the key, used both
// as the Go-comparable map identity (via ID) and as input to the remote
// hash (§4.5). It is pure: equal keys always produce equal bytes.
func (k Key) canonical() []byte {
	var buf bytes.Buffer
	writeStr := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf.Write(lenBuf[:])
		buf.WriteString(s)
	}
	writeBytes := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}
	writeInt := func(v int64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		buf.Write(b[:])
	}

	writeStr(k.BindDN)
	writeStr(k.Base)
	writeInt(int64(k.Scope))
	writeInt(k.DerefAliases)
	writeInt(k.SizeLimit)
	writeInt(k.TimeLimit)
	if k.TypesOnly {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeBytes(k.FilterRaw)
	writeInt(int64(len(k.Attributes)))
	for _, a := range k.Attributes {
		writeStr(a)
	}
	writeInt(int64(len(k.Controls)))
	for _, c := range k.Controls {
		writeStr(c.Type)
		if c.Criticality {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		if c.HasValue {
			buf.WriteByte(1)
			writeBytes(c.Value)
		} else {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

// ID is the Go-comparable identity of the key, suitable for use as a map
// key in the in-process cache tiers.
func (k Key) ID() string {
	return string(k.canonical())
}

// Equal reports whether two keys are identical under §3's equality rule.
func (k Key) Equal(o Key) bool {
	return k.ID() == o.ID()
}

// Hash64 is a stable, process-layout-independent 64-bit hash of the key,
// used to derive the remote-store key (§4.5). FNV-1a has no seed to
// manage, unlike Go's built-in map hash, satisfying the "must not use a
// randomized seed" requirement directly.
func (k Key) Hash64() uint64 {
	h := fnv.New64a()
	h.Write(k.canonical())
	return h.Sum64()
}
