package comms

import (
	"context"
	"testing"
)

func TestRedactor_Redact(t *testing.T) {
	r := NewRedactor()
	r.Add("ANTHROPIC_API_KEY", "sk-ant-123456")
	r.Add("SHORT", "abc") // ignored
	r.Add("PREFIX", "sk-ant")

	tests := []struct {
		in, want string
	}{
		{"no secrets here", "no secrets here"},
		{"key=sk-ant-123456 done", "key=[REDACTED:ANTHROPIC_API_KEY] done"},
		{"prefix sk-ant only", "prefix [REDACTED:PREFIX] only"},
		{"abc stays", "abc stays"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := r.Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRedactingBus_Publish(t *testing.T) {
	r := NewRedactor()
	r.Add("OPENCODE_SERVER_PASSWORD", "hunter2hunter2")
	bus := NewRedactingBus(NewInMemoryBus(), r)

	var got *Event
	unsub := bus.Subscribe("task-a", func(_ context.Context, ev *Event) error {
		got = ev
		return nil
	})
	defer unsub()

	err := bus.Publish(context.Background(), &Event{
		TaskID:   "task-a",
		Type:     TypeOutput,
		Content:  "curl -u opencode:hunter2hunter2 localhost",
		Metadata: map[string]string{"cmd": "echo hunter2hunter2"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got == nil {
		t.Fatal("event not delivered")
	}
	if got.Content != "curl -u opencode:[REDACTED:OPENCODE_SERVER_PASSWORD] localhost" {
		t.Errorf("Content = %q", got.Content)
	}
	if got.Metadata["cmd"] != "echo [REDACTED:OPENCODE_SERVER_PASSWORD]" {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	hist, _ := bus.History("task-a", 0)
	if len(hist) != 1 || hist[0].Content != got.Content {
		t.Errorf("history holds unredacted content: %+v", hist)
	}
}
