package events

import (
	"context"
	"time"
)

// Lifecycle event types.
const (
	TypeIssueCreated      = "issue.created"
	TypeIssueClosed       = "issue.closed"
	TypeIssuePhaseChanged = "issue.phase_changed"
)

// Event defines the contract for all system events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "issue.created").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// BaseEvent is the one concrete Event the system publishes.
type BaseEvent struct {
	Type       string                 `json:"type"`
	Data       map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"ts"`
}

func NewEvent(eventType string, data map[string]interface{}) BaseEvent {
	return BaseEvent{Type: eventType, Data: data, OccurredAt: time.Now().UTC()}
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// Publisher is anything lifecycle events can be sent to.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, event Event) error
