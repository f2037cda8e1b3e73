package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventInitProgress EventType = "engine.init.progress"
	EventModelLoaded  EventType = "engine.model.loaded"
	EventModelUnload  EventType = "engine.model.unloaded"

	EventGenerateStarted   EventType = "generate.started"
	EventGenerateProgress  EventType = "generate.progress"
	EventGenerateCompleted EventType = "generate.completed"
	EventGenerateFailed    EventType = "generate.failed"

	EventChatReset   EventType = "chat.reset"
	EventStatsReport EventType = "chat.stats"

	// Worker lifecycle.
	EventWorkerConnected    EventType = "worker.connected"
	EventWorkerDisconnected EventType = "worker.disconnected"
	EventWorkerDiscovered   EventType = "worker.discovered"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ModelID   string          `json:"model_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ModelEventPayload is the payload for EventModelLoaded and EventModelUnload.
type ModelEventPayload struct {
	ModelID string `json:"model_id"`
	Elapsed int64  `json:"elapsed_ms,omitempty"`
}

// GenerateEventPayload is the payload for generate.* events.
type GenerateEventPayload struct {
	Prompt  string `json:"prompt,omitempty"`
	Step    int    `json:"step,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatsEventPayload is the payload for EventStatsReport.
type StatsEventPayload struct {
	Text string `json:"text"`
}

// WorkerEventPayload is the payload for worker.* events.
type WorkerEventPayload struct {
	Name      string `json:"name,omitempty"`
	Address   string `json:"address"`
	Transport string `json:"transport,omitempty"`
}

// NewEvent builds an Event stamped with the current time. A payload that
// fails to marshal is dropped.
func NewEvent(typ EventType, modelID string, payload any) Event {
	ev := Event{Type: typ, Timestamp: time.Now(), ModelID: modelID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers. Each subscriber
	// observes events in publish order.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
