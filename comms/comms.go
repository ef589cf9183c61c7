// Package comms fans task lifecycle and output events out to observers.
package comms

import (
	"context"
	"time"
)

// EventType identifies the kind of task event.
type EventType string

const (
	TypeStatus     EventType = "status"     // task status transition
	TypeOutput     EventType = "output"     // agent output part
	TypePermission EventType = "permission" // permission prompt and the reply sent
)

// AllTasks subscribes a handler to events of every task.
const AllTasks = "*"

// Event is a notification about one task.
type Event struct {
	TaskID    string            `json:"task_id"`
	Type      EventType         `json:"type"`
	Status    string            `json:"status,omitempty"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes a published event. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(ctx context.Context, ev *Event) error

// Bus delivers task events to subscribers.
type Bus interface {
	// Publish delivers ev to subscribers of ev.TaskID and of AllTasks.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for events of taskID, or of every task
	// when taskID is AllTasks. Returns an unsubscribe function.
	Subscribe(taskID string, handler Handler) (unsubscribe func())

	// History returns the most recent events for taskID in chronological order.
	History(taskID string, limit int) ([]*Event, error)
}
