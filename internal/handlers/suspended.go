package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/go-chi/chi/v5"
)

// ListSuspended returns every suspended entry, oldest first.
func (s *Server) ListSuspended(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.SuspendedList{Entries: s.Coordinator.List()})
}

func (s *Server) GetSuspended(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.Coordinator.Get(chi.URLParam(r, "suspendID"))
	if !ok {
		writeError(w, http.StatusNotFound, "Suspended session not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// TerminateSuspended kills a hanging shell. Entries whose shell is already
// gone answer 409; use DELETE for those.
func (s *Server) TerminateSuspended(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "suspendID")
	writeOperation(w, id, s.Coordinator.Terminate(id))
}

// RemoveSuspended deletes an entry whose shell the backend lost.
func (s *Server) RemoveSuspended(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "suspendID")
	writeOperation(w, id, s.Coordinator.Remove(id))
}

type renameRequest struct {
	Name string `json:"name"`
}

// RenameSuspended sets the custom name of an entry. An empty name clears it.
func (s *Server) RenameSuspended(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "suspendID")

	var body renameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := (&protocol.Rename{SuspendID: id, Name: body.Name}).Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.OperationResult{SuspendID: id, Error: err.Error()})
		return
	}
	writeOperation(w, id, s.Coordinator.Rename(id, body.Name))
}

func writeOperation(w http.ResponseWriter, suspendID string, err error) {
	if err != nil {
		writeJSON(w, statusFor(err), protocol.OperationResult{SuspendID: suspendID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.OperationResult{SuspendID: suspendID, Success: true})
}
