package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Kind classifies an event by its effect on a task.
type Kind string

const (
	KindConnected    Kind = "connected"
	KindOutput       Kind = "output"
	KindPermission   Kind = "permission"
	KindSessionError Kind = "session_error"
	KindIdle         Kind = "idle"
	KindOther        Kind = "other"
)

// Event is one message from the server's event feed.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// StreamEvent carries either an Event or a stream failure.
type StreamEvent struct {
	Event Event
	Err   error
}

// Permission is a prompt asking whether the agent may perform an action.
type Permission struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Type      string `json:"type,omitempty"`
	// Permission is the action name used by newer servers in place of Type.
	Permission string `json:"permission,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Name returns the action the permission is about, e.g. "bash" or "edit".
func (p Permission) Name() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Permission
}

// Kind classifies the event.
func (e Event) Kind() Kind {
	switch e.Type {
	case "server.connected":
		return KindConnected
	case "message.updated", "message.part.updated":
		return KindOutput
	case "permission.updated", "permission.asked":
		return KindPermission
	case "session.error":
		return KindSessionError
	case "session.idle":
		return KindIdle
	case "session.status":
		var p struct {
			Status struct {
				Type string `json:"type"`
			} `json:"status"`
		}
		if json.Unmarshal(e.Properties, &p) == nil && p.Status.Type == "idle" {
			return KindIdle
		}
	}
	return KindOther
}

// SessionID returns the session the event belongs to, or "" for
// server-wide events.
func (e Event) SessionID() string {
	var p struct {
		SessionID string `json:"sessionID"`
		Info      *struct {
			SessionID string `json:"sessionID"`
		} `json:"info"`
		Part *struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
	if len(e.Properties) == 0 || json.Unmarshal(e.Properties, &p) != nil {
		return ""
	}
	switch {
	case p.SessionID != "":
		return p.SessionID
	case p.Info != nil && p.Info.SessionID != "":
		return p.Info.SessionID
	case p.Part != nil:
		return p.Part.SessionID
	}
	return ""
}

// OutputText returns the text carried by a message part update, if any.
func (e Event) OutputText() string {
	var p struct {
		Part *struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"part"`
		Delta string `json:"delta"`
	}
	if json.Unmarshal(e.Properties, &p) != nil || p.Part == nil || p.Part.Type != "text" {
		return ""
	}
	if p.Delta != "" {
		return p.Delta
	}
	return p.Part.Text
}

// Permission decodes a permission event.
func (e Event) Permission() (Permission, error) {
	var p Permission
	if err := json.Unmarshal(e.Properties, &p); err != nil {
		return p, fmt.Errorf("decode permission: %w", err)
	}
	if p.ID == "" {
		return p, fmt.Errorf("decode permission: missing id")
	}
	return p, nil
}

// ErrorMessage extracts a readable message from a session.error event.
func (e Event) ErrorMessage() string {
	var p struct {
		Error *struct {
			Name string `json:"name"`
			Data struct {
				Message string `json:"message"`
			} `json:"data"`
		} `json:"error"`
	}
	if json.Unmarshal(e.Properties, &p) != nil || p.Error == nil {
		return "session error"
	}
	switch {
	case p.Error.Data.Message != "" && p.Error.Name != "":
		return p.Error.Name + ": " + p.Error.Data.Message
	case p.Error.Data.Message != "":
		return p.Error.Data.Message
	case p.Error.Name != "":
		return p.Error.Name
	}
	return "session error"
}

// readSSE parses the event stream and forwards each event on ch. Frames
// that do not decode are logged and skipped; only transport failures end
// up on ch as errors.
func readSSE(ctx context.Context, body io.ReadCloser, ch chan<- StreamEvent, logger *slog.Logger) {
	defer func() { _ = body.Close() }()
	defer close(ch)

	// Closing the body unblocks the scanner when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var data strings.Builder
	dispatch := func() bool {
		if data.Len() == 0 {
			return true
		}
		raw := data.String()
		data.Reset()
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			logger.Warn("skipping malformed event", "error", err, "data", truncateFrame(raw))
			return true
		}
		return send(StreamEvent{Event: ev})
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if !dispatch() {
				return
			}
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	if !dispatch() {
		return
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		send(StreamEvent{Err: fmt.Errorf("opencode: read event stream: %w", err)})
	}
}

func truncateFrame(s string) string {
	const limit = 256
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
