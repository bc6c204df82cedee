package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/ldap-cache-proxy/internal/admin/handlers"
	"github.com/jroosing/ldap-cache-proxy/internal/cache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLive_AlwaysReturnsOK(t *testing.T) {
	h := handlers.New(nil, nil, nil)
	r := gin.New()
	r.GET("/health/live", h.Live)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body handlers.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestReady_NilCheckReturnsOK(t *testing.T) {
	h := handlers.New(nil, nil, nil)
	r := gin.New()
	r.GET("/health/ready", h.Ready)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReady_FailingCheckReturns503(t *testing.T) {
	check := func(ctx context.Context) error { return errors.New("upstream down") }
	h := handlers.New(nil, nil, check)
	r := gin.New()
	r.GET("/health/ready", h.Ready)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body handlers.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "upstream down", body.Detail)
}

func TestReady_SucceedingCheckReturnsOK(t *testing.T) {
	check := func(ctx context.Context) error { return nil }
	h := handlers.New(nil, nil, check)
	r := gin.New()
	r.GET("/health/ready", h.Ready)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStats_ReportsCPUStats(t *testing.T) {
	stats := &cache.Stats{}
	h := handlers.New(nil, stats, nil)
	r := gin.New()
	r.GET("/stats", h.Stats)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body handlers.ServerStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.GreaterOrEqual(t, body.CPU.NumCPU, 1)
}

func TestStats_NilCacheStatsYieldsZeroedCacheResponse(t *testing.T) {
	h := handlers.New(nil, nil, nil)
	r := gin.New()
	r.GET("/stats", h.Stats)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body handlers.ServerStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, uint64(0), body.Cache.Hits)
	assert.Equal(t, uint64(0), body.Cache.Misses)
}
