// Package bus publishes query lifecycle events for downstream consumers
// (dashboards, audit pipelines). The search path never blocks on the bus;
// publishing is fire-and-forget from the caller's point of view.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "query.started").
	Type string `json:"type"`

	// Source is the node that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// QueryID links every event of one query execution.
	QueryID string `json:"query_id,omitempty"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(eventType, source, queryID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		QueryID:   queryID,
		Payload:   payload,
	}
}

// Topics for query lifecycle events.
const (
	// TopicQueryStarted fires when the root accepts a query.
	TopicQueryStarted = "query.started"

	// TopicQueryFinished fires when the root returns a response, successful
	// or not.
	TopicQueryFinished = "query.finished"

	// TopicJobRetry fires when a split job is rescheduled after a failure.
	TopicJobRetry = "query.job.retry"

	// TopicSplitFailed fires when a split exhausts its attempts.
	TopicSplitFailed = "query.split.failed"
)
