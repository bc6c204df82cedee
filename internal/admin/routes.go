package admin

import (
	"github.com/gin-gonic/gin"

	"github.com/jroosing/ldap-cache-proxy/internal/admin/handlers"
)

// registerRoutes mounts the read-only admin endpoints (§4.7). There is
// no write path: nothing reachable from this engine can alter proxy
// state, only report on it.
func registerRoutes(r *gin.Engine, h *handlers.Handler) {
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
	r.GET("/stats", h.Stats)
}
