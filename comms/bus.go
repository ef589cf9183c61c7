package comms

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryBus is a thread-safe in-process event bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // taskID -> handlers
	history  []*Event
	maxHist  int
	nextID   int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-event history cap.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]handlerEntry),
		maxHist:  1000,
	}
}

// Publish records ev and delivers it to the task's subscribers and to
// AllTasks subscribers.
func (b *InMemoryBus) Publish(ctx context.Context, ev *Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}

	// Collect handlers to invoke outside the lock
	var targets []Handler
	for _, e := range b.handlers[ev.TaskID] {
		targets = append(targets, e.handler)
	}
	if ev.TaskID != AllTasks {
		for _, e := range b.handlers[AllTasks] {
			targets = append(targets, e.handler)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish: %d handler error(s): %v", len(errs), errs[0])
	}
	return nil
}

// Subscribe registers a handler for events of taskID.
// The returned function unsubscribes the handler.
func (b *InMemoryBus) Subscribe(taskID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[taskID] = append(b.handlers[taskID], handlerEntry{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			entries := b.handlers[taskID]
			filtered := make([]handlerEntry, 0, len(entries))
			for _, e := range entries {
				if e.id != id {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) == 0 {
				delete(b.handlers, taskID)
			} else {
				b.handlers[taskID] = filtered
			}
		})
	}
}

// History returns up to limit of the most recent events for taskID, oldest
// first. A limit of 0 returns everything retained.
func (b *InMemoryBus) History(taskID string, limit int) ([]*Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Event
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if taskID == AllTasks || ev.TaskID == taskID {
			result = append(result, ev)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	// Reverse to chronological order
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result, nil
}
