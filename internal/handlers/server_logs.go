package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
)

const (
	defaultLogLines = 200
	maxLogLines     = 5000
)

// ServerLogs returns the tail of the backend log file. ?lines bounds the
// tail and ?module keeps only lines written by that component (suspend,
// replay, ws, ...).
func (s *Server) ServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := defaultLogLines
	if q := r.URL.Query().Get("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		lines = min(n, maxLogLines)
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if module := r.URL.Query().Get("module"); module != "" && content != "" {
		tag := `"module":"` + module + `"`
		var kept []string
		for _, line := range strings.Split(content, "\n") {
			if strings.Contains(line, tag) {
				kept = append(kept, line)
			}
		}
		content = strings.Join(kept, "\n")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": content, "lines": lines})
}

// ClearServerLogs truncates the backend log file.
func (s *Server) ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log := logging.For("http")
	log.Warn().Str("remote", r.RemoteAddr).Msg("server log cleared")
	w.WriteHeader(http.StatusNoContent)
}
