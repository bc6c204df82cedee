package cache

import (
	"time"

	"github.com/jroosing/ldap-cache-proxy/internal/ldapwire"
)

// Entry pairs one search result entry with its per-entry controls,
// preserving the server-supplied ordering the spec requires throughout
// (§3 invariant 5, §8 "entry order is preserved").
type Entry struct {
	Result   ldapwire.SearchResultEntry
	Controls []ldapwire.Control
}

// Value is the cached record for one search (§3): the ordered entries,
// the aggregated result, and response controls. CachedAt is informational
// — logged, but excluded from equality and serialization comparisons.
type Value struct {
	CachedAt time.Time
	Entries  []Entry
	Result   ldapwire.Result
	Controls []ldapwire.Control
}

// fixedValueSize is the nominal fixed overhead counted once per cached
// value by Size, mirroring the teacher's "fixed record size" estimate.
const fixedValueSize = 64

// Size estimates the value's byte footprint: the fixed record size plus,
// for every entry, its DN length plus the byte length of every attribute
// name and value (§3). Deterministic for equal values and strictly
// positive for any non-empty value, per §4.5.
func (v Value) Size() int {
	size := fixedValueSize
	for _, e := range v.Entries {
		size += len(e.Result.DN)
		for _, a := range e.Result.Attributes {
			size += len(a.Name)
			for _, val := range a.Values {
				size += len(val)
			}
		}
	}
	return size
}

// EqualForChangeDetection implements §4.3's "equality for change
// detection": two values are the same iff entries, result code, result
// message, and response controls are equal. CachedAt never participates.
func (v Value) EqualForChangeDetection(o Value) bool {
	if v.Result.Code != o.Result.Code || v.Result.Message != o.Result.Message {
		return false
	}
	if !controlsEqual(v.Controls, o.Controls) {
		return false
	}
	if len(v.Entries) != len(o.Entries) {
		return false
	}
	for i := range v.Entries {
		if !entryEqual(v.Entries[i], o.Entries[i]) {
			return false
		}
	}
	return true
}

func entryEqual(a, b Entry) bool {
	if a.Result.DN != b.Result.DN {
		return false
	}
	if !controlsEqual(a.Controls, b.Controls) {
		return false
	}
	if len(a.Result.Attributes) != len(b.Result.Attributes) {
		return false
	}
	for i := range a.Result.Attributes {
		aa, bb := a.Result.Attributes[i], b.Result.Attributes[i]
		if aa.Name != bb.Name || len(aa.Values) != len(bb.Values) {
			return false
		}
		for j := range aa.Values {
			if string(aa.Values[j]) != string(bb.Values[j]) {
				return false
			}
		}
	}
	return true
}

func controlsEqual(a, b []ldapwire.Control) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || a[i].Criticality != b[i].Criticality || a[i].HasValue != b[i].HasValue {
			return false
		}
		if a[i].HasValue && string(a[i].Value) != string(b[i].Value) {
			return false
		}
	}
	return true
}
