// Package handlers implements the admin HTTP surface's endpoint logic
// (§4.7), adapted from the teacher's internal/api/handlers: a thin
// Handler struct holding the dependencies each endpoint needs, with one
// file per concern.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/jroosing/ldap-cache-proxy/internal/cache"
)

// ReadinessCheck reports whether the upstream directory is currently
// reachable. Returning a non-nil error marks /health/ready unready
// without affecting /health/live.
type ReadinessCheck func(ctx context.Context) error

// Handler bundles the dependencies used by the admin endpoints. It holds
// no proxy state of its own and cannot mutate session behavior.
type Handler struct {
	logger        *slog.Logger
	startTime     time.Time
	cacheStats    *cache.Stats
	checkUpstream ReadinessCheck
}

// New builds a Handler. checkUpstream may be nil, in which case
// /health/ready always reports ready.
func New(logger *slog.Logger, cacheStats *cache.Stats, checkUpstream ReadinessCheck) *Handler {
	return &Handler{
		logger:        logger,
		startTime:     time.Now(),
		cacheStats:    cacheStats,
		checkUpstream: checkUpstream,
	}
}
