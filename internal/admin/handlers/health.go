package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Live godoc
// @Summary Liveness check
// @Description Reports whether the process is running; never depends on upstream reachability
// @Tags system
// @Produce json
// @Success 200 {object} StatusResponse
// @Router /health/live [get]
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// Ready godoc
// @Summary Readiness check
// @Description Reports whether the upstream directory is currently reachable
// @Tags system
// @Produce json
// @Success 200 {object} StatusResponse
// @Failure 503 {object} StatusResponse
// @Router /health/ready [get]
func (h *Handler) Ready(c *gin.Context) {
	if h.checkUpstream == nil {
		c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
		return
	}
	if err := h.checkUpstream(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, StatusResponse{Status: "unavailable", Detail: err.Error()})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// Stats godoc
// @Summary Server statistics
// @Description Returns system CPU/memory usage and cache hit/miss counters
// @Tags system
// @Produce json
// @Success 200 {object} ServerStatsResponse
// @Router /stats [get]
func (h *Handler) Stats(c *gin.Context) {
	uptime := time.Since(h.startTime)

	memStats := MemoryStats{}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vmStat.Total) / 1024 / 1024
		memStats.FreeMB = float64(vmStat.Available) / 1024 / 1024
		memStats.UsedMB = float64(vmStat.Used) / 1024 / 1024
		memStats.UsedPercent = vmStat.UsedPercent
	}

	cpuStats := CPUStats{NumCPU: runtime.NumCPU()}
	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		cpuStats.UsedPercent = cpuPercent[0]
		cpuStats.IdlePercent = 100.0 - cpuPercent[0]
	}

	var cacheResp CacheStatsResponse
	if h.cacheStats != nil {
		snap := h.cacheStats.Snapshot()
		cacheResp = CacheStatsResponse{Hits: snap.Hits, Misses: snap.Misses, Writes: snap.Writes, HitRatio: snap.HitRatio}
	}

	c.JSON(http.StatusOK, ServerStatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		CPU:           cpuStats,
		Memory:        memStats,
		Cache:         cacheResp,
	})
}
