package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/audit"
)

// GetAuditLogs returns paginated suspension audit entries, newest first.
//
// Query parameters:
//
//	suspend_id - filter by suspended entry
//	event_type - filter by event type
//	since      - RFC3339 timestamp, only entries after this time
//	limit      - max entries to return (default 50, max 1000)
//	offset     - pagination offset
func (s *Server) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		SuspendID: q.Get("suspend_id"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := s.Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
