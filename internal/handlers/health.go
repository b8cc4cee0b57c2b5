package handlers

import (
	"net/http"

	"github.com/opsbridge/sshbroker/internal/audit"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if audit.DB != nil {
		sqlDB, err := audit.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	profileCount := 0
	if Profiles != nil {
		profileCount = Profiles.Metadata().TotalProfiles
	}

	sessionCount := 0
	if Sessions != nil {
		sessionCount = len(Sessions.List())
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"profiles": profileCount,
		"sessions": sessionCount,
	})
}
