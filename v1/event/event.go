// Package event defines the wire-visible payload delivered to clients when
// lock or presence state changes. The JSON encoding here is the only framing
// the engine promises to transports and relays.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of state change an Event describes.
type Type string

const (
	ResourceLocked   Type = "RESOURCE_LOCKED"
	ResourceUnlocked Type = "RESOURCE_UNLOCKED"
	SessionJoined    Type = "SESSION_JOINED"
	SessionLeft      Type = "SESSION_LEFT"
)

// Event is a single state-change notification. Resource is empty for pure
// presence events. Online is a snapshot taken when the event was built and
// may be stale by the time a client acts on it.
type Event struct {
	Type      Type      `json:"type"`
	Resource  string    `json:"resource,omitempty"`
	Actor     string    `json:"actor"`
	Online    []string  `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode serializes the event to its wire form.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire-form event.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
