package ldapwire

import (
	"bytes"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Filter wraps a parsed LDAP filter tree. Equality is structural: it
// compares the canonical BER encoding of the parsed tree, never the
// original filter text, per §4.4.4 ("the filter must match structurally
// ... not its textual form"). Two filter strings that parse to the same
// tree in the same operand order compare equal even if written
// differently; this is the tree-equality the spec calls for, not a
// semantic/commutative equivalence.
type Filter struct {
	packet *ber.Packet
}

// ParseFilterString parses RFC 4515 filter text into a structural Filter,
// using the same compiler go-ldap's client uses to build search requests.
func ParseFilterString(s string) (Filter, error) {
	p, err := ldap.CompileFilter(s)
	if err != nil {
		return Filter{}, err
	}
	return Filter{packet: p}, nil
}

// FilterFromPacket wraps an already-decoded filter packet, as produced by
// the wire decoder when reading a SearchRequest off the network.
func FilterFromPacket(p *ber.Packet) Filter {
	return Filter{packet: p}
}

// Packet returns the underlying filter packet for re-encoding.
func (f Filter) Packet() *ber.Packet {
	return f.packet
}

// String renders the filter back to RFC 4515 text, best-effort, for
// logging only. It is never used for comparison.
func (f Filter) String() string {
	if f.packet == nil {
		return ""
	}
	s, err := ldap.DecompileFilter(f.packet)
	if err != nil {
		return "(unprintable filter)"
	}
	return s
}

func (f Filter) raw() []byte {
	if f.packet == nil {
		return nil
	}
	return f.packet.Bytes()
}

// Equal reports whether two filters have the same structural encoding.
func (f Filter) Equal(o Filter) bool {
	return bytes.Equal(f.raw(), o.raw())
}
