// Package config loads and validates the proxy's configuration record
// (§6) using Viper, in the same shape as the teacher's
// internal/config package: typed sections, environment-variable
// overrides under a fixed prefix, and validation folded into Load.
//
// Environment variables use the LDAP_CACHE_PROXY_ prefix and
// underscore-separated keys, e.g. LDAP_CACHE_PROXY_BIND maps to the
// bind key, LDAP_CACHE_PROXY_CACHE_TYPE maps to cache.type.
package config

// CacheType selects which C3 backend variant Resolve constructs.
type CacheType string

const (
	CacheTypeMemory CacheType = "memory"
	CacheTypeRedis  CacheType = "redis"
)

// CacheConfig is the cache section of the configuration record (§6).
// Only the fields relevant to the selected Type are used; legacy
// fallback_cache_bytes is accepted and mapped onto SizeBytes.
type CacheConfig struct {
	Type       CacheType `yaml:"type"        mapstructure:"type"`
	SizeBytes  int64     `yaml:"size_bytes"  mapstructure:"size_bytes"`
	URL        string    `yaml:"url"         mapstructure:"url"`
	TTLSeconds int       `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
	KeyPrefix  string    `yaml:"key_prefix"  mapstructure:"key_prefix"`
}

// AllowedQueryConfig is one (base, scope, filter-text) triple as it
// appears in binddn_map before the filter text is parsed (§6).
type AllowedQueryConfig struct {
	Base   string `yaml:"base"   mapstructure:"base"`
	Scope  string `yaml:"scope"  mapstructure:"scope"` // "base" | "one" | "sub"
	Filter string `yaml:"filter" mapstructure:"filter"`
}

// BindDNConfig is one entry of binddn_map.
type BindDNConfig struct {
	AllowedQueries []AllowedQueryConfig `yaml:"allowed_queries" mapstructure:"allowed_queries"`
}

// RemoteIPAddrInfo selects how the original client address is recovered.
type RemoteIPAddrInfo string

const (
	RemoteIPAddrInfoNone    RemoteIPAddrInfo = "none"
	RemoteIPAddrInfoProxyV2 RemoteIPAddrInfo = "proxy_v2"
)

// LoggingConfig controls internal/logging.Configure, in the same shape
// as the teacher's config.Logging section.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"`
}

// Config is the root configuration record, enumerated in full in §6.
type Config struct {
	Bind     string `yaml:"bind"      mapstructure:"bind"`
	TLSKey   string `yaml:"tls_key"   mapstructure:"tls_key"`
	TLSChain string `yaml:"tls_chain" mapstructure:"tls_chain"`
	LDAPCA   string `yaml:"ldap_ca"   mapstructure:"ldap_ca"`
	LDAPURL  string `yaml:"ldap_url"  mapstructure:"ldap_url"`

	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	MaxIncomingBERSize int  `yaml:"max_incoming_ber_size" mapstructure:"max_incoming_ber_size"`
	MaxProxyBERSize    int  `yaml:"max_proxy_ber_size"    mapstructure:"max_proxy_ber_size"`
	AllowAllBindDNs    bool `yaml:"allow_all_bind_dns"    mapstructure:"allow_all_bind_dns"`

	RemoteIPAddrInfo RemoteIPAddrInfo `yaml:"remote_ip_addr_info" mapstructure:"remote_ip_addr_info"`

	BindDNMap map[string]BindDNConfig `yaml:"binddn_map" mapstructure:"binddn_map"`

	// (added) ambient sections the distilled spec leaves implicit: where
	// audit events land, where the admin HTTP surface listens, and how
	// internal/logging is configured.
	AuditDBPath string        `yaml:"audit_db_path" mapstructure:"audit_db_path"`
	AdminBind   string        `yaml:"admin_bind"    mapstructure:"admin_bind"`
	Logging     LoggingConfig `yaml:"logging"       mapstructure:"logging"`
}
