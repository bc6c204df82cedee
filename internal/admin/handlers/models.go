package handlers

import "time"

// StatusResponse is the body of a liveness/readiness check.
type StatusResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// CPUStats mirrors the teacher's models.CPUStats, sourced from gopsutil.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// MemoryStats mirrors the teacher's models.MemoryStats.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// CacheStatsResponse reports cache hit/miss/write counters (§4.7).
type CacheStatsResponse struct {
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	Writes   uint64  `json:"writes"`
	HitRatio float64 `json:"hit_ratio"`
}

// ServerStatsResponse is the body of GET /stats.
type ServerStatsResponse struct {
	Uptime        string             `json:"uptime"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	StartTime     time.Time          `json:"start_time"`
	CPU           CPUStats           `json:"cpu"`
	Memory        MemoryStats        `json:"memory"`
	Cache         CacheStatsResponse `json:"cache"`
}
