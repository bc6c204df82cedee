package server

import (
	"math"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// This file implements connection admission control using token bucket
// rate limiting, adapted unchanged in algorithm from the teacher's
// internal/server.rate_limit.go (DNS query admission) — the token
// bucket itself is domain-agnostic; only the unit being rate-limited
// changes from "queries" to "accepted downstream connections".
//
// Limits are applied at three levels: global, per network prefix
// (/24 IPv4, /64 IPv6), and per source IP. A connection must pass all
// three to be accepted.

// RateLimiter combines global, prefix, and per-IP connection admission limits.
type RateLimiter struct {
	global *TokenBucketRateLimiter
	prefix *TokenBucketRateLimiter
	ip     *TokenBucketRateLimiter
}

// NewRateLimiterFromEnv creates a RateLimiter configured via environment
// variables (LDAP_CACHE_PROXY_RL_*), mirroring the teacher's
// HYDRADNS_RL_* convention.
func NewRateLimiterFromEnv() *RateLimiter {
	cleanupSeconds := envFloat("LDAP_CACHE_PROXY_RL_CLEANUP_SECONDS", 60.0)
	maxIP := envInt("LDAP_CACHE_PROXY_RL_MAX_IP_ENTRIES", 65_536)
	maxPrefix := envInt("LDAP_CACHE_PROXY_RL_MAX_PREFIX_ENTRIES", 16_384)

	globalCPS := envFloat("LDAP_CACHE_PROXY_RL_GLOBAL_CPS", 10_000.0)
	globalBurst := envInt("LDAP_CACHE_PROXY_RL_GLOBAL_BURST", 10_000)
	prefixCPS := envFloat("LDAP_CACHE_PROXY_RL_PREFIX_CPS", 1_000.0)
	prefixBurst := envInt("LDAP_CACHE_PROXY_RL_PREFIX_BURST", 2_000)
	ipCPS := envFloat("LDAP_CACHE_PROXY_RL_IP_CPS", 50.0)
	ipBurst := envInt("LDAP_CACHE_PROXY_RL_IP_BURST", 100)

	cleanupInterval := time.Duration(math.Max(0.0, cleanupSeconds) * float64(time.Second))
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}

	return &RateLimiter{
		global: NewTokenBucketRateLimiter(TokenBucketConfig{Rate: globalCPS, Burst: globalBurst, CleanupInterval: cleanupInterval, MaxEntries: 1}),
		prefix: NewTokenBucketRateLimiter(TokenBucketConfig{Rate: prefixCPS, Burst: prefixBurst, CleanupInterval: cleanupInterval, MaxEntries: maxPrefix}),
		ip:     NewTokenBucketRateLimiter(TokenBucketConfig{Rate: ipCPS, Burst: ipBurst, CleanupInterval: cleanupInterval, MaxEntries: maxIP}),
	}
}

// Allow reports whether a new connection from srcIP should be accepted.
func (r *RateLimiter) Allow(srcIP string) bool {
	if r == nil {
		return true
	}
	if !r.global.Allow("*") {
		return false
	}
	if !r.prefix.Allow(prefixKey(srcIP)) {
		return false
	}
	return r.ip.Allow(srcIP)
}

// TokenBucketConfig configures a token bucket rate limiter.
type TokenBucketConfig struct {
	Rate            float64
	Burst           int
	CleanupInterval time.Duration
	MaxEntries      int
}

// TokenBucketRateLimiter implements the token bucket algorithm keyed by
// an arbitrary string (IP, prefix, or a fixed global key).
type TokenBucketRateLimiter struct {
	rate            float64
	burst           float64
	cleanupInterval time.Duration
	maxEntries      int

	mu          sync.Mutex
	lastCleanup time.Time
	lastUpdate  map[string]time.Time
	tokens      map[string]float64
}

// NewTokenBucketRateLimiter creates a new rate limiter with the given configuration.
func NewTokenBucketRateLimiter(cfg TokenBucketConfig) *TokenBucketRateLimiter {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1
	}
	ci := cfg.CleanupInterval
	if ci <= 0 {
		ci = 60 * time.Second
	}
	return &TokenBucketRateLimiter{
		rate:            cfg.Rate,
		burst:           float64(cfg.Burst),
		cleanupInterval: ci,
		maxEntries:      maxEntries,
		lastCleanup:     time.Now(),
		lastUpdate:      map[string]time.Time{},
		tokens:          map[string]float64{},
	}
}

// Allow checks if a request for the given key should be allowed.
// Rate limiting is disabled if rate or burst is <= 0.
func (l *TokenBucketRateLimiter) Allow(key string) bool {
	if l == nil || l.rate <= 0.0 || l.burst <= 0.0 {
		return true
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) > l.cleanupInterval {
		l.cleanupLocked(now)
	}

	last, exists := l.lastUpdate[key]
	if !exists {
		if len(l.lastUpdate) >= l.maxEntries {
			l.cleanupLocked(now)
			if len(l.lastUpdate) >= l.maxEntries {
				if _, ok := l.lastUpdate[key]; !ok {
					return false
				}
			}
		}
		l.lastUpdate[key] = now
		l.tokens[key] = l.burst - 1.0
		return true
	}

	elapsed := now.Sub(last).Seconds()
	l.lastUpdate[key] = now

	tokens := l.tokens[key]
	if elapsed > 0 {
		tokens = math.Min(l.burst, tokens+(elapsed*l.rate))
	}

	if tokens >= 1.0 {
		l.tokens[key] = tokens - 1.0
		return true
	}

	l.tokens[key] = tokens
	return false
}

// cleanupLocked removes entries that haven't been accessed recently.
// Must be called with l.mu held.
func (l *TokenBucketRateLimiter) cleanupLocked(now time.Time) {
	staleBefore := now.Add(-l.cleanupInterval)
	for k, last := range l.lastUpdate {
		if !last.After(staleBefore) {
			delete(l.lastUpdate, k)
			delete(l.tokens, k)
		}
	}
	l.lastCleanup = now
}

// prefixKey converts an IP address to a network prefix key: /24 for
// IPv4, /64 for IPv6.
func prefixKey(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "ip:" + ip
	}
	if addr.Is4() {
		p, _ := addr.Prefix(24)
		return "v4:" + p.String()
	}
	p, _ := addr.Prefix(64)
	return "v6:" + p.String()
}

func envFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func envInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
