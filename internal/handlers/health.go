package handlers

import (
	"net/http"

	"github.com/KingCide/Mariner/internal/database"
	"github.com/KingCide/Mariner/internal/monitor"
	"github.com/KingCide/Mariner/internal/registry"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	connected := 0
	if Registry != nil {
		connected = Registry.Count()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"database":        dbStatus,
		"connected_hosts": connected,
	})
}

// HealthMonitor is set at startup when scheduled checks are enabled.
var HealthMonitor *monitor.Monitor

// HostHealth returns the latest scheduled check results. refresh=true
// runs a check now.
func HostHealth(w http.ResponseWriter, r *http.Request) {
	if HealthMonitor == nil {
		writeError(w, http.StatusServiceUnavailable, "health monitor not running")
		return
	}
	if queryBool(r, "refresh") {
		HealthMonitor.RunOnce(r.Context())
	}
	results, checked := HealthMonitor.Last()
	if results == nil {
		results = []registry.HealthResult{}
	}
	resp := map[string]any{"results": results}
	if !checked.IsZero() {
		resp["checked_at"] = checked
	}
	writeJSON(w, http.StatusOK, resp)
}
