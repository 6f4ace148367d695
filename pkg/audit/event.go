// Package audit provides a durable JSON-lines trail of security-relevant
// gateway events: handshakes, key conflicts, and Bluetooth connection
// lifecycle transitions.
package audit

import (
	"fmt"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventHandshakeComplete  EventType = "handshake_complete"
	EventHandshakeFailed    EventType = "handshake_failed"
	EventDeviceKeyChanged   EventType = "device_key_changed"
	EventConnectionCreated  EventType = "connection_created"
	EventConnectionFailed   EventType = "connection_failed"
	EventConnectionDropped  EventType = "connection_dropped"
	EventConnectionReleased EventType = "connection_released"
)

// Event is one auditable gateway occurrence.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	InfuseID  uint64    `json:"infuse_id"`
	Interface string    `json:"interface,omitempty"`
	NetworkID uint32    `json:"network_id,omitempty"`
	KeyID     uint32    `json:"key_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Filter defines criteria for querying audit events.
type Filter struct {
	Type        EventType
	InfuseID    uint64 // 0 matches any device
	StartTime   time.Time
	EndTime     time.Time
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates an audit event stamped with a fresh id and the current
// time.
func NewEvent(t EventType, infuseID uint64) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		Type:      t,
		InfuseID:  infuseID,
		Success:   true,
	}
}

// WithInterface sets the transport interface label.
func (e *Event) WithInterface(label string) *Event {
	e.Interface = label
	return e
}

// WithNetworkID sets the network id involved.
func (e *Event) WithNetworkID(id uint32) *Event {
	e.NetworkID = id
	return e
}

// WithKeyID sets the 24-bit device key id involved.
func (e *Event) WithKeyID(id uint32) *Event {
	e.KeyID = id
	return e
}

// WithError marks the event as failed.
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
