// Package upstream implements the upstream client (C2): establishing
// TCP+TLS to one of a list of addresses, binding, and searching against a
// directory server with strict msgid correlation and no pipelining.
// Adapted in shape from the teacher's
// internal/resolvers.ForwardingResolver (address iteration, per-attempt
// timeout, failure classification) though LDAP's single-connection,
// no-pipelining, no-pooling model (§1 Non-goals, §4.2) is considerably
// simpler than DNS's pooled/retried UDP+TCP forwarding.
package upstream

import "errors"

// Error sentinels matching §7's behavioral taxonomy. Wrapped with %w at
// call sites; callers should use errors.Is against these.
var (
	// ErrConnect means no address in the configured list was reachable.
	ErrConnect = errors.New("upstream: no address reachable")
	// ErrTLS means a TLS handshake failed against the address being tried.
	ErrTLS = errors.New("upstream: tls handshake failed")
	// ErrTransport means an I/O operation failed on an established connection.
	ErrTransport = errors.New("upstream: transport failure")
	// ErrInvalidProtocolState means a response was the wrong shape or
	// msgid-correlated response was missing/mismatched.
	ErrInvalidProtocolState = errors.New("upstream: invalid protocol state")
)
