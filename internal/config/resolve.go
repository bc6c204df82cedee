package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jroosing/ldap-cache-proxy/internal/cache"
	"github.com/jroosing/ldap-cache-proxy/internal/ldapwire"
	"github.com/jroosing/ldap-cache-proxy/internal/session"
)

// Resolved is everything cmd/ldap-cache-proxy needs to start serving:
// the downstream TLS acceptor context, the per-session config shared
// read-only across connections (§5), and the constructed cache backend.
type Resolved struct {
	DownstreamTLS *tls.Config
	SessionConfig session.Config
	Cache         cache.Backend
	CacheStats    *cache.Stats
}

// Resolve turns a validated Config into running infrastructure: it
// loads certificates, resolves the upstream hostname to a concrete
// address list, parses every binddn_map filter text eagerly (a parse
// error is a config error, per §6), and constructs the selected cache
// backend. This, plus the TCP acceptor loop and PROXY v2 decoding, is
// the "out of scope" wiring named in §1 — assembled here so the core
// packages never see raw configuration.
func Resolve(ctx context.Context, cfg *Config) (*Resolved, error) {
	downstreamTLS, err := loadDownstreamTLS(cfg)
	if err != nil {
		return nil, err
	}

	upstreamAddrs, upstreamTLS, err := resolveUpstream(ctx, cfg)
	if err != nil {
		return nil, err
	}

	bindDNMap, err := resolveBindDNMap(cfg)
	if err != nil {
		return nil, err
	}

	rawBackend, err := buildCache(cfg)
	if err != nil {
		return nil, err
	}
	counting := cache.NewCountingBackend(rawBackend)

	return &Resolved{
		DownstreamTLS: downstreamTLS,
		SessionConfig: session.Config{
			UpstreamAddrs:      upstreamAddrs,
			UpstreamTLS:        upstreamTLS,
			MaxIncomingBERSize: cfg.MaxIncomingBERSize,
			MaxProxyBERSize:    cfg.MaxProxyBERSize,
			AllowAllBindDNs:    cfg.AllowAllBindDNs,
			BindDNMap:          bindDNMap,
		},
		Cache:      counting,
		CacheStats: counting.Stats,
	}, nil
}

func loadDownstreamTLS(cfg *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSChain, cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("%w: loading downstream tls cert/key: %v", ErrInvalid, err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// resolveUpstream parses ldap_url (scheme must be ldaps), resolves its
// host to one or more addresses, and builds the upstream-facing TLS
// connector rooted at ldap_ca (§6).
func resolveUpstream(ctx context.Context, cfg *Config) ([]string, *tls.Config, error) {
	u, err := url.Parse(cfg.LDAPURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ldap_url: %v", ErrInvalid, err)
	}
	if u.Scheme != "ldaps" {
		return nil, nil, fmt.Errorf("%w: ldap_url scheme must be ldaps, got %q", ErrInvalid, u.Scheme)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "636"
	}

	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: resolving ldap_url host %q: %v", ErrInvalid, host, err)
	}
	if len(ips) == 0 {
		return nil, nil, fmt.Errorf("%w: ldap_url host %q resolved to no addresses", ErrInvalid, host)
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip, port))
	}

	caPEM, err := os.ReadFile(cfg.LDAPCA)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading ldap_ca: %v", ErrInvalid, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, nil, fmt.Errorf("%w: ldap_ca contains no usable certificates", ErrInvalid)
	}

	return addrs, &tls.Config{RootCAs: pool, ServerName: host, MinVersion: tls.VersionTLS12}, nil
}

// resolveBindDNMap parses every filter text in binddn_map eagerly,
// turning config-level AllowedQueryConfig entries into session.Policy
// values with structurally-parsed filters (§6, §4.4.4).
func resolveBindDNMap(cfg *Config) (map[string]session.Policy, error) {
	out := make(map[string]session.Policy, len(cfg.BindDNMap))
	for dn, entry := range cfg.BindDNMap {
		policy := session.Policy{AllowedQueries: make([]session.AllowedQuery, 0, len(entry.AllowedQueries))}
		for _, aq := range entry.AllowedQueries {
			scope, err := parseScope(aq.Scope)
			if err != nil {
				return nil, fmt.Errorf("%w: binddn_map[%q]: %v", ErrInvalid, dn, err)
			}
			filter, err := ldapwire.ParseFilterString(aq.Filter)
			if err != nil {
				return nil, fmt.Errorf("%w: binddn_map[%q]: parsing filter %q: %v", ErrInvalid, dn, aq.Filter, err)
			}
			policy.AllowedQueries = append(policy.AllowedQueries, session.AllowedQuery{
				Base:   aq.Base,
				Scope:  scope,
				Filter: filter,
			})
		}
		out[dn] = policy
	}
	return out, nil
}

func parseScope(s string) (ldapwire.Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "baseobject":
		return ldapwire.ScopeBaseObject, nil
	case "one", "singlelevel", "onelevel":
		return ldapwire.ScopeSingleLevel, nil
	case "sub", "wholesubtree", "subtree":
		return ldapwire.ScopeWholeSubtree, nil
	default:
		return 0, fmt.Errorf("unrecognized scope %q", s)
	}
}

func buildCache(cfg *Config) (cache.Backend, error) {
	switch cfg.Cache.Type {
	case CacheTypeMemory:
		return cache.NewMemory(int(cfg.Cache.SizeBytes), nil), nil
	case CacheTypeRedis:
		opts, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: cache.url: %v", ErrInvalid, err)
		}
		client := redis.NewClient(opts)
		store := cache.NewRedisStore(client)
		var ttl time.Duration
		if cfg.Cache.TTLSeconds > 0 {
			ttl = time.Duration(cfg.Cache.TTLSeconds) * time.Second
		}
		return cache.NewTiered(store, cfg.Cache.KeyPrefix, ttl, cache.DefaultL1Entries, nil), nil
	default:
		return nil, fmt.Errorf("%w: unknown cache.type %q", ErrInvalid, cfg.Cache.Type)
	}
}
