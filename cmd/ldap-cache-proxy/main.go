// Command ldap-cache-proxy runs the LDAP cache proxy: a transparent,
// caching TCP+TLS front for an upstream LDAPS directory (see
// /SPEC_FULL.md). Modeled on the teacher's cmd/hydradns/main.go: parse
// flags, load and validate configuration, wire every ambient and
// domain component, install signal handling, and block until shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jroosing/ldap-cache-proxy/internal/admin"
	"github.com/jroosing/ldap-cache-proxy/internal/admin/handlers"
	"github.com/jroosing/ldap-cache-proxy/internal/audit"
	"github.com/jroosing/ldap-cache-proxy/internal/config"
	"github.com/jroosing/ldap-cache-proxy/internal/logging"
	"github.com/jroosing/ldap-cache-proxy/internal/server"
)

// newUpstreamReadinessCheck builds a ReadinessCheck that dials the first
// reachable upstream address. It never performs a bind or search — just
// confirms something is listening, matching the admin surface's
// read-only, protocol-agnostic contract (§4.7).
func newUpstreamReadinessCheck(addrs []string) handlers.ReadinessCheck {
	return func(ctx context.Context) error {
		if len(addrs) == 0 {
			return errors.New("no upstream addresses resolved")
		}
		var dialer net.Dialer
		var lastErr error
		for _, addr := range addrs {
			dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			conn, err := dialer.DialContext(dialCtx, "tcp", addr)
			cancel()
			if err == nil {
				_ = conn.Close()
				return nil
			}
			lastErr = err
		}
		return fmt.Errorf("no upstream address reachable: %w", lastErr)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	bind       string
	adminBind  string
	debug      bool
	jsonLogs   bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&f.bind, "bind", "", "Override the downstream LDAPS bind address")
	flag.StringVar(&f.adminBind, "admin-bind", "", "Override the admin HTTP bind address")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.bind != "" {
		cfg.Bind = f.bind
	}
	if f.adminBind != "" {
		cfg.AdminBind = f.adminBind
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	resolved, err := config.Resolve(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}

	auditStore, err := audit.Open(cfg.AuditDBPath, logger)
	if err != nil {
		return fmt.Errorf("opening audit database: %w", err)
	}
	defer auditStore.Close()

	acceptor := &server.Acceptor{
		Logger:     logger,
		TLSConfig:  resolved.DownstreamTLS,
		SessionCfg: resolved.SessionConfig,
		Cache:      resolved.Cache,
		Audit:      auditStore,
		RateLimit:  server.NewRateLimiterFromEnv(),
		UseProxyV2: cfg.RemoteIPAddrInfo == config.RemoteIPAddrInfoProxyV2,
	}

	checkUpstream := newUpstreamReadinessCheck(resolved.SessionConfig.UpstreamAddrs)
	adminSrv := admin.New(cfg.AdminBind, logger, resolved.CacheStats, checkUpstream)

	logger.Info("ldap-cache-proxy starting",
		"bind", cfg.Bind,
		"admin_bind", cfg.AdminBind,
		"cache_type", string(cfg.Cache.Type),
		"upstreams", resolved.SessionConfig.UpstreamAddrs,
	)

	errCh := make(chan error, 2)
	go func() {
		if err := acceptor.Run(ctx, cfg.Bind); err != nil {
			errCh <- fmt.Errorf("acceptor: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		err := adminSrv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- fmt.Errorf("admin server: %w", err)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		if runErr != nil {
			cancel()
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = adminSrv.Shutdown(shutdownCtx)
	shutdownCancel()
	logger.Info("ldap-cache-proxy stopped")

	if runErr != nil {
		return runErr
	}
	return nil
}
