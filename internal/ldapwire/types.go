// Package ldapwire implements the LDAPv3 message codec (C1): encoding and
// decoding discrete protocol messages over a framed byte stream, with a
// configurable maximum encoded-message size per direction.
//
// The wire shapes here are intentionally narrow: only the operations the
// proxy actually intermediates (bind, unbind, search, the Who-Am-I extended
// operation) are modeled. Anything else decodes into an OpaqueOp carrying
// its raw application tag, which the session layer treats as unsupported.
package ldapwire

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// ResultCode mirrors the subset of RFC 4511 result codes the proxy ever
// emits or forwards.
type ResultCode int64

const (
	ResultSuccess                  ResultCode = 0
	ResultOperationsError          ResultCode = 1
	ResultInsufficientAccessRights ResultCode = 50
	ResultUnavailable              ResultCode = 52
)

// Scope is the LDAP search scope enumeration.
type Scope int64

const (
	ScopeBaseObject   Scope = 0
	ScopeSingleLevel  Scope = 1
	ScopeWholeSubtree Scope = 2
)

func (s Scope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return fmt.Sprintf("scope(%d)", s)
	}
}

// WhoAmIOID is the sole extended operation the proxy recognizes.
const WhoAmIOID = "1.3.6.1.4.1.4203.1.11.3"

// Control is a protocol-level extension value attached to a request,
// response, or search result entry. Compared structurally on all three
// fields — no semantic interpretation of Value is performed by the proxy.
type Control struct {
	Type        string
	Criticality bool
	Value       []byte
	HasValue    bool
}

// Result is the common result envelope carried by bind responses,
// search-result-done, and extended responses.
type Result struct {
	Code      ResultCode
	MatchedDN string
	Message   string
	Referral  []string
}

// BindRequest carries only simple-bind credentials: the proxy forwards
// bind requests verbatim and never interprets SASL mechanisms, so a
// non-simple bind is represented with Simple=false and the raw
// authentication choice preserved for forwarding in RawAuth.
type BindRequest struct {
	Version int64
	DN      string
	Simple  bool
	Creds   []byte     // simple password, when Simple is true
	RawAuth *ber.Packet // non-simple (e.g. SASL) authentication choice, forwarded as-is
}

// BindResponse is a bind result, optionally carrying SASL credentials.
type BindResponse struct {
	Result     Result
	SASLCreds  []byte
	HasSASL    bool
}

// SearchRequest is the protocol-defined search parameter set. Filter is
// compared structurally (§4.4.4): two SearchRequests are equal only if
// every field, including the parsed Filter tree, is equal.
type SearchRequest struct {
	BaseDN       string
	Scope        Scope
	DerefAliases int64
	SizeLimit    int64
	TimeLimit    int64
	TypesOnly    bool
	Filter       Filter
	Attributes   []string
}

// EntryAttribute is one attribute of a search result entry.
type EntryAttribute struct {
	Name   string
	Values [][]byte
}

// SearchResultEntry is one directory entry returned by a search.
type SearchResultEntry struct {
	DN         string
	Attributes []EntryAttribute
}

// SearchResultDone terminates a search with the aggregated result.
type SearchResultDone struct {
	Result Result
}

// ExtendedRequest is a generic extended operation request; the proxy only
// acts on Name == WhoAmIOID, per §4.4.3.
type ExtendedRequest struct {
	Name     string
	Value    []byte
	HasValue bool
}

// ExtendedResponse is a generic extended operation response.
type ExtendedResponse struct {
	Result   Result
	Name     string
	HasName  bool
	Value    []byte
	HasValue bool
}

// UnbindRequest carries no data.
type UnbindRequest struct{}

// OpaqueOp is any protocol operation the proxy does not model, retained
// only so the session layer can log and close deterministically.
type OpaqueOp struct {
	AppTag int64
}

// Message is one decoded LDAP protocol data unit: a message id, exactly
// one protocol operation, and zero or more controls.
type Message struct {
	MsgID    int64
	Op       any // one of the *Request/*Response/UnbindRequest/OpaqueOp types above
	Controls []Control
}
