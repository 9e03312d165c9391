// Package ws provides the session-addressed WebSocket notification hub.
package ws

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the closed set of push events. Adding a kind
// here is a compile-time-checked change: the client's event loop
// switches exhaustively over these values.
type EventKind string

const (
	EventTakeoverRequest  EventKind = "takeover_request"
	EventTakeoverApproved EventKind = "takeover_approved"
	EventTakeoverRejected EventKind = "takeover_rejected"
	EventForceTakeover    EventKind = "force_takeover"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventTakeoverRequest, EventTakeoverApproved, EventTakeoverRejected, EventForceTakeover:
		return true
	}
	return false
}

// Event is the wire envelope for all push messages. SessionID is the
// addressee; Data is the event payload (a takeover request, or a
// short message for force takeovers).
type Event struct {
	Kind      EventKind       `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent builds an event addressed to a session, marshalling the
// payload. A payload that fails to marshal yields an event with empty
// data rather than an error; push delivery is best-effort throughout.
func NewEvent(kind EventKind, sessionID string, payload interface{}) Event {
	ev := Event{
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Data = data
		}
	}
	return ev
}
