package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func makeEvent(taskID string, typ EventType, content string) *Event {
	return &Event{TaskID: taskID, Type: typ, Content: content}
}

func TestInMemoryBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var received int32
	unsub := bus.Subscribe("task-a", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	ev := makeEvent("task-a", TypeStatus, "")
	if err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Publish did not stamp the event")
	}

	// Unsubscribe twice and verify no more events
	unsub()
	unsub()
	if err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryBus_RoutesByTask(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var aReceived, bReceived, allReceived int32
	bus.Subscribe("task-a", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&aReceived, 1)
		return nil
	})
	bus.Subscribe("task-b", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&bReceived, 1)
		return nil
	})
	bus.Subscribe(AllTasks, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&allReceived, 1)
		return nil
	})

	if err := bus.Publish(ctx, makeEvent("task-a", TypeOutput, "hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(ctx, makeEvent("task-b", TypeOutput, "world")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if aReceived != 1 || bReceived != 1 {
		t.Errorf("task-a received %d, task-b received %d, want 1 each", aReceived, bReceived)
	}
	if allReceived != 2 {
		t.Errorf("AllTasks subscriber received %d, want 2", allReceived)
	}
}

func TestInMemoryBus_ConcurrentPublish(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var count int32
	bus.Subscribe(AllTasks, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = bus.Publish(ctx, makeEvent(fmt.Sprintf("task-%d", i), TypeStatus, ""))
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for concurrent publishes")
	}
	if atomic.LoadInt32(&count) != 20 {
		t.Errorf("delivered %d events, want 20", count)
	}
}

func TestInMemoryBus_HandlerErrorsReported(t *testing.T) {
	bus := NewInMemoryBus()
	bus.Subscribe("task-a", func(_ context.Context, _ *Event) error { return errors.New("observer down") })

	var delivered bool
	bus.Subscribe("task-a", func(_ context.Context, _ *Event) error {
		delivered = true
		return nil
	})

	if err := bus.Publish(context.Background(), makeEvent("task-a", TypeStatus, "")); err == nil {
		t.Fatal("expected handler error to be reported")
	}
	if !delivered {
		t.Error("a failing handler must not prevent delivery to the others")
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	events := []*Event{
		makeEvent("task-a", TypeStatus, "starting"),
		makeEvent("task-b", TypeStatus, "starting"),
		makeEvent("task-a", TypeOutput, "hi"),
		makeEvent("task-a", TypeStatus, "running"),
	}
	for _, ev := range events {
		bus.Publish(ctx, ev)
	}

	hist, err := bus.History("task-a", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("History len = %d, want 3", len(hist))
	}
	if hist[0].Content != "starting" || hist[2].Content != "running" {
		t.Errorf("History not chronological: %v, %v", hist[0].Content, hist[2].Content)
	}

	all, _ := bus.History(AllTasks, 0)
	if len(all) != 4 {
		t.Errorf("History(AllTasks) len = %d, want 4", len(all))
	}
}

func TestInMemoryBus_History_Limit(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		bus.Publish(ctx, makeEvent("task-a", TypeOutput, fmt.Sprint(i)))
	}

	hist, err := bus.History("task-a", 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 5 {
		t.Fatalf("History with limit 5 returned %d events", len(hist))
	}
	if hist[4].Content != "9" {
		t.Errorf("last event = %q, want most recent", hist[4].Content)
	}
}
