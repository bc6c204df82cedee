// Package admin implements the proxy's ambient, read-only management
// surface (§4.7): liveness/readiness probes and a stats endpoint, bound
// to a separate address from the LDAP listener. Adapted from the
// teacher's internal/api (Server wrapping gin.Engine + http.Server,
// middleware.SlogRequestLogger, gopsutil-derived process stats);
// dropped the teacher's Swagger UI wiring (internal/api/routes.go's
// blank import of a generated internal/api/docs package) since that
// package is produced by `swag init`, which this build cannot run — see
// DESIGN.md.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/ldap-cache-proxy/internal/admin/handlers"
	"github.com/jroosing/ldap-cache-proxy/internal/admin/middleware"
	"github.com/jroosing/ldap-cache-proxy/internal/cache"
)

// Server is the admin HTTP server.
type Server struct {
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds an admin Server bound to addr. cacheStats may be nil (all
// counters report zero). checkUpstream may be nil (readiness always
// reports ok).
func New(addr string, logger *slog.Logger, cacheStats *cache.Stats, checkUpstream handlers.ReadinessCheck) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(logger, cacheStats, checkUpstream)
	registerRoutes(engine, h)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{logger: logger, engine: engine, httpServer: httpServer}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

// ListenAndServe blocks serving the admin endpoints until the server is
// shut down, returning http.ErrServerClosed on graceful shutdown.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// to complete or ctx to be cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
