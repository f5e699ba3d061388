// Package notify delivers engine events to connected clients and downstream
// consumers. Delivery is best-effort and at-least-once: state is committed
// before an event is published and is never rolled back on delivery failure.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names an outbound notification.
type EventType string

const (
	EventOrderExecuted   EventType = "order_executed"
	EventOrderUpdated    EventType = "order_updated"
	EventPositionCreated EventType = "position_created"
	EventPositionUpdated EventType = "position_updated"
	EventPositionClosed  EventType = "position_closed"
	EventBalanceUpdated  EventType = "balance_updated"
	EventMatchCreated    EventType = "match_created"
	EventMatchStarted    EventType = "match_started"
	EventMatchEnded      EventType = "match_ended"
)

// Event is one notification. The ID is stable across retries so consumers
// can discard duplicates.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	MatchID    string    `json:"match_id"`
	Recipients []string  `json:"recipients,omitempty"`
	Payload    any       `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(typ EventType, matchID string, recipients []string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		MatchID:    matchID,
		Recipients: recipients,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// Publisher accepts events for asynchronous delivery. Publish never blocks
// on delivery.
type Publisher interface {
	Publish(ev Event)
}

// Sink delivers one event to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
