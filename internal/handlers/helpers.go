package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gluk-w/claworc/shellkeeper/internal/suspend"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, suspend.ErrEntryNotFound), errors.Is(err, suspend.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, suspend.ErrNotHanging), errors.Is(err, suspend.ErrStillHanging),
		errors.Is(err, suspend.ErrAlreadyAttached), errors.Is(err, suspend.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, suspend.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
