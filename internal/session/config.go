package session

import "crypto/tls"

// Config is the subset of the configuration record (§6) a Session needs
// at run time: resolved upstream addresses and TLS connector, the
// per-direction codec size limits, and the bind DN policy map. Built
// once at startup by internal/config and shared read-only across every
// session (§5 "Shared state": "The policy map and TLS context are
// immutable after startup and shared read-only").
type Config struct {
	UpstreamAddrs      []string
	UpstreamTLS        *tls.Config
	MaxIncomingBERSize int
	MaxProxyBERSize    int
	AllowAllBindDNs    bool
	BindDNMap          map[string]Policy
}
