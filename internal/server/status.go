package server

import (
	"net/http"
	"time"

	"github.com/meshnet/meshnet/internal/config"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleRoot serves GET /: service identity and endpoint index
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "MeshNetwork Backend",
		"region":  config.RegionDisplayName(s.config.Region),
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health": "/health",
			"status": "/status",
			"posts":  "/api/posts",
			"users":  "/api/users",
		},
	})
}

// handleHealth serves GET /health: liveness only, no dependencies checked
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"region":  s.config.Region,
		"service": "meshnetwork-backend",
	})
}

// handleStatus serves GET /status: the operator-facing aggregate of store
// health, peer reachability, island state, conflict metrics, and host load.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	storeHealth := s.store.CheckHealth(r.Context())

	remoteHealth := s.router.CheckNetworkHealth(r.Context())
	remoteRegions := make(map[string]string, len(remoteHealth))
	for peer, reachable := range remoteHealth {
		if reachable {
			remoteRegions[peer] = "reachable"
		} else {
			remoteRegions[peer] = "unreachable"
		}
	}

	status := "healthy"
	if storeHealth.Status != "healthy" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"region": map[string]string{
			"name":         s.config.Region,
			"display_name": config.RegionDisplayName(s.config.Region),
		},
		"database":       storeHealth,
		"remote_regions": remoteRegions,
		"island":         s.tracker.Snapshot(),
		"conflicts":      s.conflicts.Snapshot(),
		"partitioning":   s.partitions.DistributionReport(),
		"system":         systemStats(s.startTime),
		"configuration": map[string]interface{}{
			"sync_interval":   s.config.Sync.IntervalSeconds,
			"request_timeout": s.config.Sync.RequestTimeoutSeconds,
		},
	})
}

// systemStats samples host-level load for the status report. Failures leave
// the affected section at zero rather than failing the endpoint.
func systemStats(startTime time.Time) map[string]interface{} {
	stats := map[string]interface{}{
		"uptime_seconds": int64(time.Since(startTime).Seconds()),
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		stats["cpu_percent"] = percentages[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats["memory"] = map[string]interface{}{
			"used_percent": vm.UsedPercent,
			"used_bytes":   vm.Used,
			"total_bytes":  vm.Total,
		}
	}

	if usage, err := disk.Usage("/"); err == nil {
		stats["disk"] = map[string]interface{}{
			"used_percent": usage.UsedPercent,
			"used_bytes":   usage.Used,
			"total_bytes":  usage.Total,
		}
	}

	return stats
}
