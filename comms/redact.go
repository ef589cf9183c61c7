package comms

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// minSecretLen keeps short values like "1" or "true" from being redacted
// all over ordinary output.
const minSecretLen = 6

// Redactor replaces known secret values with [REDACTED:name].
type Redactor struct {
	mu     sync.RWMutex
	values map[string]string // value -> name
}

// NewRedactor creates an empty Redactor.
func NewRedactor() *Redactor {
	return &Redactor{values: make(map[string]string)}
}

// Add registers a secret. Values shorter than six characters are ignored.
func (r *Redactor) Add(name, value string) {
	if len(value) < minSecretLen {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[value] = name
}

// Len returns the number of registered secrets.
func (r *Redactor) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.values)
}

// Redact replaces every registered value in text. Longer values are
// replaced first so a secret containing another is redacted whole.
func (r *Redactor) Redact(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.values) == 0 || text == "" {
		return text
	}
	vals := make([]string, 0, len(r.values))
	for v := range r.values {
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool { return len(vals[i]) > len(vals[j]) })
	for _, v := range vals {
		if strings.Contains(text, v) {
			text = strings.ReplaceAll(text, v, "[REDACTED:"+r.values[v]+"]")
		}
	}
	return text
}

// RedactingBus redacts event content and metadata before handing events
// to the wrapped bus.
type RedactingBus struct {
	Bus
	r *Redactor
}

// NewRedactingBus wraps inner so nothing published through it carries a
// value known to r.
func NewRedactingBus(inner Bus, r *Redactor) *RedactingBus {
	return &RedactingBus{Bus: inner, r: r}
}

func (b *RedactingBus) Publish(ctx context.Context, ev *Event) error {
	ev.Content = b.r.Redact(ev.Content)
	for k, v := range ev.Metadata {
		ev.Metadata[k] = b.r.Redact(v)
	}
	return b.Bus.Publish(ctx, ev)
}
