package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/shellkeeper/internal/database"
)

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if s.DB != nil && database.Ping(s.DB) == nil {
		dbStatus = "connected"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	live, entries := s.Coordinator.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            status,
		"database":          dbStatus,
		"live_sessions":     live,
		"suspended_entries": entries,
	})
}
