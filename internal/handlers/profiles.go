package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
)

// ListProfiles returns the connection profiles without their credentials.
func (s *Server) ListProfiles(w http.ResponseWriter, r *http.Request) {
	all, err := s.Profiles.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list profiles")
		return
	}
	out := make([]profiles.Summary, 0, len(all))
	for _, p := range all {
		out = append(out, p.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": out})
}
