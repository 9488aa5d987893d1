package protocol

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// BackendStatus is the backend-reported state of a suspended entry.
type BackendStatus string

const (
	// StatusHanging means the shell process is alive and buffering output
	// with no transport attached.
	StatusHanging BackendStatus = "hanging"
	// StatusDisconnectedByBackend means the backend lost the shell process
	// itself, for example because the remote host dropped the connection.
	StatusDisconnectedByBackend BackendStatus = "disconnected_by_backend"
)

// IsValid reports whether s is a defined backend status.
func (s BackendStatus) IsValid() bool {
	return s == StatusHanging || s == StatusDisconnectedByBackend
}

// Reasons carried by auto-terminated notifications.
const (
	ReasonIdleTimeout = "idle-timeout"
	ReasonShutdown    = "shutdown"
)

func requireID(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > 128 {
		return fmt.Errorf("%s exceeds 128 bytes", field)
	}
	return nil
}

// Connected is the backend's acknowledgment that a transport is attached to
// a session. SessionID is authoritative; ClientSessionID echoes the id the
// client proposed when it dialed.
type Connected struct {
	SessionID       string `json:"sessionId"`
	ClientSessionID string `json:"clientSessionId,omitempty"`
	ConnectionID    string `json:"connectionId"`
	Resuming        bool   `json:"resuming,omitempty"`
}

func (m *Connected) Validate() error {
	if err := requireID("sessionId", m.SessionID); err != nil {
		return err
	}
	return requireID("connectionId", m.ConnectionID)
}

// Resize changes the PTY dimensions of the session's shell.
type Resize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (m *Resize) Validate() error {
	if m.Cols == 0 || m.Rows == 0 {
		return errors.New("cols and rows must be positive")
	}
	return nil
}

// ErrorMessage reports a request the backend could not parse or route.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (m *ErrorMessage) Validate() error {
	if m.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// MarkForSuspend asks the backend to keep the session's shell alive if its
// transport drops. InitialOutputSnapshot is the visible terminal text at the
// time of the request, replayed first on resume.
type MarkForSuspend struct {
	SessionID             string `json:"sessionId"`
	InitialOutputSnapshot string `json:"initialOutputSnapshot,omitempty"`
}

func (m *MarkForSuspend) Validate() error {
	if err := requireID("sessionId", m.SessionID); err != nil {
		return err
	}
	if len(m.InitialOutputSnapshot) > MaxSnapshotSize {
		return fmt.Errorf("initialOutputSnapshot exceeds %d bytes", MaxSnapshotSize)
	}
	return nil
}

// UnmarkForSuspend cancels a pending mark.
type UnmarkForSuspend struct {
	SessionID string `json:"sessionId"`
}

func (m *UnmarkForSuspend) Validate() error {
	return requireID("sessionId", m.SessionID)
}

// SuspendAck answers both mark and unmark requests.
type SuspendAck struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

func (m *SuspendAck) Validate() error {
	if err := requireID("sessionId", m.SessionID); err != nil {
		return err
	}
	if !m.Success && m.Error == "" {
		return errors.New("error is required when success is false")
	}
	return nil
}

// ListSuspended requests the current entry snapshot. It has no fields.
type ListSuspended struct{}

func (m *ListSuspended) Validate() error { return nil }

// SuspendedSessionEntry is the client-visible snapshot of a detached shell.
type SuspendedSessionEntry struct {
	SuspendID      string        `json:"suspendId"`
	ConnectionID   string        `json:"connectionId"`
	ConnectionName string        `json:"connectionName"`
	SuspendedAt    time.Time     `json:"suspendedAt"`
	CustomName     string        `json:"customName,omitempty"`
	BackendStatus  BackendStatus `json:"backendStatus"`
	DisconnectedAt *time.Time    `json:"disconnectedAt,omitempty"`
}

func (e *SuspendedSessionEntry) Validate() error {
	if err := requireID("suspendId", e.SuspendID); err != nil {
		return err
	}
	if err := requireID("connectionId", e.ConnectionID); err != nil {
		return err
	}
	if !e.BackendStatus.IsValid() {
		return fmt.Errorf("invalid backendStatus %q", e.BackendStatus)
	}
	if e.BackendStatus == StatusDisconnectedByBackend && e.DisconnectedAt == nil {
		return errors.New("disconnectedAt is required for disconnected_by_backend")
	}
	return nil
}

// DisplayName returns the custom name when set, else the connection name.
func (e *SuspendedSessionEntry) DisplayName() string {
	if e.CustomName != "" {
		return e.CustomName
	}
	return e.ConnectionName
}

// SuspendedList is the response to ListSuspended.
type SuspendedList struct {
	Entries []SuspendedSessionEntry `json:"entries"`
}

func (m *SuspendedList) Validate() error {
	for i := range m.Entries {
		if err := m.Entries[i].Validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

// ResumeRequest correlates a suspended shell with the session that should
// own it from now on.
type ResumeRequest struct {
	SuspendID    string `json:"suspendId"`
	NewSessionID string `json:"newSessionId"`
}

func (m *ResumeRequest) Validate() error {
	if err := requireID("suspendId", m.SuspendID); err != nil {
		return err
	}
	return requireID("newSessionId", m.NewSessionID)
}

// ResumedNotification reports the outcome of a ResumeRequest.
type ResumedNotification struct {
	SuspendID    string `json:"suspendId"`
	NewSessionID string `json:"newSessionId"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

func (m *ResumedNotification) Validate() error {
	if err := requireID("suspendId", m.SuspendID); err != nil {
		return err
	}
	if err := requireID("newSessionId", m.NewSessionID); err != nil {
		return err
	}
	if !m.Success && m.Error == "" {
		return errors.New("error is required when success is false")
	}
	return nil
}

// OutputCachedChunk carries one buffered output chunk during replay.
// Exactly one chunk per resume has IsLastChunk set, and it is the final one.
type OutputCachedChunk struct {
	NewSessionID string `json:"newSessionId"`
	Data         []byte `json:"data"`
	IsLastChunk  bool   `json:"isLastChunk"`
}

func (m *OutputCachedChunk) Validate() error {
	return requireID("newSessionId", m.NewSessionID)
}

// SuspendTarget addresses a suspended entry for terminate and remove-entry.
type SuspendTarget struct {
	SuspendID string `json:"suspendId"`
}

func (m *SuspendTarget) Validate() error {
	return requireID("suspendId", m.SuspendID)
}

// Rename sets the custom display name of a suspended entry. An empty name
// clears it.
type Rename struct {
	SuspendID string `json:"suspendId"`
	Name      string `json:"name"`
}

func (m *Rename) Validate() error {
	if err := requireID("suspendId", m.SuspendID); err != nil {
		return err
	}
	if !utf8.ValidString(m.Name) {
		return errors.New("name must be valid UTF-8")
	}
	if utf8.RuneCountInString(m.Name) > MaxCustomNameLength {
		return fmt.Errorf("name exceeds %d characters", MaxCustomNameLength)
	}
	return nil
}

// OperationResult answers terminate, remove-entry and rename.
type OperationResult struct {
	SuspendID string `json:"suspendId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

func (m *OperationResult) Validate() error {
	if err := requireID("suspendId", m.SuspendID); err != nil {
		return err
	}
	if !m.Success && m.Error == "" {
		return errors.New("error is required when success is false")
	}
	return nil
}

// AutoTerminated is sent unsolicited when the backend kills a hanging entry
// on its own.
type AutoTerminated struct {
	SuspendID string `json:"suspendId"`
	Reason    string `json:"reason"`
}

func (m *AutoTerminated) Validate() error {
	if err := requireID("suspendId", m.SuspendID); err != nil {
		return err
	}
	if m.Reason == "" {
		return errors.New("reason is required")
	}
	return nil
}
