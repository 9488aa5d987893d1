package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MessageType identifies the payload carried by an Envelope.
type MessageType string

const (
	TypeConnected MessageType = "connected"
	TypeResize    MessageType = "input-resize"
	TypeError     MessageType = "error"

	TypeMarkForSuspend      MessageType = "mark-for-suspend"
	TypeMarkedForSuspendAck MessageType = "marked-for-suspend-ack"

	TypeUnmarkForSuspend      MessageType = "unmark-for-suspend"
	TypeUnmarkedForSuspendAck MessageType = "unmarked-for-suspend-ack"

	TypeListSuspended         MessageType = "list-suspended"
	TypeSuspendedListResponse MessageType = "suspended-list-response"

	TypeResumeRequest       MessageType = "resume-request"
	TypeResumedNotification MessageType = "resumed-notification"
	TypeOutputCachedChunk   MessageType = "output-cached-chunk"

	TypeTerminate       MessageType = "terminate"
	TypeRemoveEntry     MessageType = "remove-entry"
	TypeRename          MessageType = "rename"
	TypeOperationResult MessageType = "operation-result"

	TypeAutoTerminated MessageType = "auto-terminated-notification"
)

// IsValid reports whether t is one of the defined message types.
func (t MessageType) IsValid() bool {
	switch t {
	case TypeConnected, TypeResize, TypeError,
		TypeMarkForSuspend, TypeMarkedForSuspendAck,
		TypeUnmarkForSuspend, TypeUnmarkedForSuspendAck,
		TypeListSuspended, TypeSuspendedListResponse,
		TypeResumeRequest, TypeResumedNotification, TypeOutputCachedChunk,
		TypeTerminate, TypeRemoveEntry, TypeRename, TypeOperationResult,
		TypeAutoTerminated:
		return true
	default:
		return false
	}
}

// MaxCustomNameLength bounds user-assigned names for suspended entries.
const MaxCustomNameLength = 128

// MaxSnapshotSize bounds the initial output snapshot sent with a mark
// request.
const MaxSnapshotSize = 256 * 1024

// TrimSnapshot keeps at most MaxSnapshotSize bytes from the end of s
// without splitting a UTF-8 sequence.
func TrimSnapshot(s string) string {
	if len(s) <= MaxSnapshotSize {
		return s
	}
	s = s[len(s)-MaxSnapshotSize:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}

var (
	// ErrUnknownType is returned when an envelope carries an undefined type.
	ErrUnknownType = errors.New("unknown message type")
	// ErrEmptyPayload is returned when a payload is required but missing.
	ErrEmptyPayload = errors.New("empty payload")
)

// Envelope is the unit exchanged in every WebSocket text frame.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validator is implemented by every payload type.
type Validator interface {
	Validate() error
}

// Encode marshals payload and wraps it in an envelope of the given type.
// The payload is validated first; a nil payload yields an empty envelope.
func Encode(t MessageType, requestID string, payload Validator) (Envelope, error) {
	if !t.IsValid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	env := Envelope{Type: t, RequestID: requestID}
	if payload == nil {
		return env, nil
	}
	if err := payload.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("validate %s: %w", t, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// MustEncode is Encode for payloads built from trusted values. It panics on
// error and is meant for server-generated replies only.
func MustEncode(t MessageType, requestID string, payload Validator) Envelope {
	env, err := Encode(t, requestID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals and validates the envelope's payload into T.
func Decode[T any, PT interface {
	*T
	Validator
}](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("decode %s: %w", env.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(env.Payload, PT(&v)); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if err := PT(&v).Validate(); err != nil {
		return v, fmt.Errorf("validate %s: %w", env.Type, err)
	}
	return v, nil
}

// Marshal encodes the envelope for a text frame.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a text frame into an envelope, rejecting unknown types.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if !env.Type.IsValid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}
