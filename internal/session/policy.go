package session

import "github.com/jroosing/ldap-cache-proxy/internal/ldapwire"

// AllowedQuery is one permitted (base, scope, filter) triple in a bind
// DN's policy (§3, §4.4.4).
type AllowedQuery struct {
	Base   string
	Scope  ldapwire.Scope
	Filter ldapwire.Filter
}

// Policy is the per-identity authorization set (§3, C5). A zero-value
// Policy — nil AllowedQueries — permits every query, matching the
// "empty set means all queries permitted" rule.
type Policy struct {
	AllowedQueries []AllowedQuery
}

// Authorize reports whether req is permitted under p (§4.4.4). Matching
// is exact and structural: the filter is compared as a parsed tree, the
// base byte-for-byte, and the scope as an enum — no wildcard or subset
// semantics.
func Authorize(p Policy, req *ldapwire.SearchRequest) bool {
	if len(p.AllowedQueries) == 0 {
		return true
	}
	for _, aq := range p.AllowedQueries {
		if aq.Base == req.BaseDN && aq.Scope == req.Scope && aq.Filter.Equal(req.Filter) {
			return true
		}
	}
	return false
}
