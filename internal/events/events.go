package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
)

// EventType classifies a queue lifecycle event.
type EventType string

// Known event types.
const (
	EventTaskCreated   EventType = "task.created"
	EventTaskCancelled EventType = "task.cancelled"
	EventTasksRetried  EventType = "tasks.retried"
	EventQueueStarted  EventType = "queue.started"
	EventQueueStopped  EventType = "queue.stopped"
)

// QueueEvent is one queue lifecycle notification. Events are advisory:
// handlers observe them for audit and metrics, they never drive task
// state.
type QueueEvent struct {
	// ID is a unique identifier for this event.
	ID uuid.UUID `json:"id"`

	// Type classifies the event.
	Type EventType `json:"type"`

	// QueueType is the queue the event concerns.
	QueueType domain.QueueType `json:"queue_type"`

	// Payload carries event-specific data serialized as JSON.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is when the event was created.
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *QueueEvent) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// NewQueueEvent creates an event of the given type for one queue. A nil
// payload is allowed.
func NewQueueEvent(eventType EventType, queueType domain.QueueType, payload any) (*QueueEvent, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = b
	}

	return &QueueEvent{
		ID:        uuid.New(),
		Type:      eventType,
		QueueType: queueType,
		Payload:   payloadBytes,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// EventHandler processes queue events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *QueueEvent) error
}

// EventEmitter publishes queue events without knowledge of the handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *QueueEvent) error
}
