package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/jroosing/ldap-cache-proxy/internal/helpers"
)

const (
	minBERSize = 1 << 10 // 1 KiB
	maxBERSize = 64 << 20 // 64 MiB
)

// initConfig sets up the config loader with defaults, env binding, and
// an optional config file — identical in shape to the teacher's
// internal/config.initConfig.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LDAP_CACHE_PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading config file: %v", ErrInvalid, err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind", "0.0.0.0:636")
	v.SetDefault("max_incoming_ber_size", 1<<20)  // 1 MiB
	v.SetDefault("max_proxy_ber_size", 1<<20)     // 1 MiB
	v.SetDefault("allow_all_bind_dns", false)
	v.SetDefault("remote_ip_addr_info", string(RemoteIPAddrInfoNone))

	v.SetDefault("cache.type", string(CacheTypeMemory))
	v.SetDefault("cache.size_bytes", int64(256<<20)) // 256 MiB
	v.SetDefault("cache.key_prefix", "ldap_proxy:")

	v.SetDefault("audit_db_path", "ldap-cache-proxy-audit.db")
	v.SetDefault("admin_bind", "127.0.0.1:8636")
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "text")
}

// Load reads the configuration record from an optional file with
// environment-variable overrides, then validates it (§6, §7
// ConfigInvalid). This is the main entry point, mirroring the
// teacher's config.Load(path).
func Load(path string) (*Config, error) {
	v, err := initConfig(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.Bind = v.GetString("bind")
	cfg.TLSKey = v.GetString("tls_key")
	cfg.TLSChain = v.GetString("tls_chain")
	cfg.LDAPCA = v.GetString("ldap_ca")
	cfg.LDAPURL = v.GetString("ldap_url")
	cfg.MaxIncomingBERSize = v.GetInt("max_incoming_ber_size")
	cfg.MaxProxyBERSize = v.GetInt("max_proxy_ber_size")
	cfg.AllowAllBindDNs = v.GetBool("allow_all_bind_dns")
	cfg.RemoteIPAddrInfo = RemoteIPAddrInfo(v.GetString("remote_ip_addr_info"))
	cfg.AuditDBPath = v.GetString("audit_db_path")
	cfg.AdminBind = v.GetString("admin_bind")
	cfg.Logging = LoggingConfig{
		Level:            v.GetString("logging.level"),
		Structured:       v.GetBool("logging.structured"),
		StructuredFormat: v.GetString("logging.structured_format"),
		IncludePID:       v.GetBool("logging.include_pid"),
	}
	if err := v.UnmarshalKey("logging.extra_fields", &cfg.Logging.ExtraFields); err != nil {
		return nil, fmt.Errorf("%w: logging.extra_fields: %v", ErrInvalid, err)
	}

	loadCacheConfig(v, cfg)

	if err := v.UnmarshalKey("binddn_map", &cfg.BindDNMap); err != nil {
		return nil, fmt.Errorf("%w: binddn_map: %v", ErrInvalid, err)
	}

	if err := normalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadCacheConfig(v *viper.Viper, cfg *Config) {
	cfg.Cache.Type = CacheType(v.GetString("cache.type"))
	cfg.Cache.SizeBytes = v.GetInt64("cache.size_bytes")
	cfg.Cache.URL = v.GetString("cache.url")
	cfg.Cache.TTLSeconds = v.GetInt("cache.ttl_seconds")
	cfg.Cache.KeyPrefix = v.GetString("cache.key_prefix")

	// Legacy fallback_cache_bytes maps onto memory.size_bytes (§6).
	if v.IsSet("fallback_cache_bytes") {
		cfg.Cache.SizeBytes = v.GetInt64("fallback_cache_bytes")
	}
}

// normalize validates the record and fills in any remaining defaults
// that depend on other fields.
func normalize(cfg *Config) error {
	if strings.TrimSpace(cfg.Bind) == "" {
		return fmt.Errorf("%w: bind must not be empty", ErrInvalid)
	}
	if strings.TrimSpace(cfg.LDAPURL) == "" {
		return fmt.Errorf("%w: ldap_url must not be empty", ErrInvalid)
	}
	if strings.TrimSpace(cfg.TLSKey) == "" || strings.TrimSpace(cfg.TLSChain) == "" {
		return fmt.Errorf("%w: tls_key and tls_chain are required", ErrInvalid)
	}
	if strings.TrimSpace(cfg.LDAPCA) == "" {
		return fmt.Errorf("%w: ldap_ca must not be empty", ErrInvalid)
	}
	if strings.TrimSpace(cfg.AuditDBPath) == "" {
		cfg.AuditDBPath = "ldap-cache-proxy-audit.db"
	}
	if strings.TrimSpace(cfg.AdminBind) == "" {
		cfg.AdminBind = "127.0.0.1:8636"
	}

	switch cfg.Cache.Type {
	case CacheTypeMemory:
		if cfg.Cache.SizeBytes <= 0 {
			cfg.Cache.SizeBytes = 256 << 20
		}
	case CacheTypeRedis:
		if strings.TrimSpace(cfg.Cache.URL) == "" {
			return fmt.Errorf("%w: cache.url is required for cache.type=redis", ErrInvalid)
		}
		if cfg.Cache.KeyPrefix == "" {
			cfg.Cache.KeyPrefix = "ldap_proxy:"
		}
	default:
		return fmt.Errorf("%w: cache.type must be %q or %q, got %q", ErrInvalid, CacheTypeMemory, CacheTypeRedis, cfg.Cache.Type)
	}

	switch cfg.RemoteIPAddrInfo {
	case RemoteIPAddrInfoNone, RemoteIPAddrInfoProxyV2:
	case "":
		cfg.RemoteIPAddrInfo = RemoteIPAddrInfoNone
	default:
		return fmt.Errorf("%w: remote_ip_addr_info must be %q or %q, got %q", ErrInvalid, RemoteIPAddrInfoNone, RemoteIPAddrInfoProxyV2, cfg.RemoteIPAddrInfo)
	}

	if cfg.MaxIncomingBERSize <= 0 {
		cfg.MaxIncomingBERSize = 1 << 20
	}
	cfg.MaxIncomingBERSize = helpers.ClampInt(cfg.MaxIncomingBERSize, minBERSize, maxBERSize)

	if cfg.MaxProxyBERSize <= 0 {
		cfg.MaxProxyBERSize = 1 << 20
	}
	cfg.MaxProxyBERSize = helpers.ClampInt(cfg.MaxProxyBERSize, minBERSize, maxBERSize)

	return nil
}
