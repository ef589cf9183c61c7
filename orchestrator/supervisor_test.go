package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoCodeAlone/sandcastle/task"
)

func createPending(t *testing.T, store task.Store, instruction string) *task.Task {
	t.Helper()
	tk := &task.Task{Instruction: instruction, UserID: "u1"}
	if err := store.Create(context.Background(), tk); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tk
}

func TestSupervisor_LaunchAndLookup(t *testing.T) {
	h := newHarness(t, &fakeEnv{gate: make(chan struct{})}, newFakeAgent())
	tk := createPending(t, h.store, "x")

	if err := h.sup.Launch(tk); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := h.sup.Launch(tk); !errors.Is(err, ErrRunnerExists) {
		t.Errorf("second Launch error = %v, want ErrRunnerExists", err)
	}
	r, ok := h.sup.Lookup(tk.ID)
	if !ok || r.TaskID() != tk.ID {
		t.Fatalf("Lookup(%s) = %v, %v", tk.ID, r, ok)
	}
	if ids := h.sup.Running(); len(ids) != 1 || ids[0] != tk.ID {
		t.Errorf("Running = %v, want [%s]", ids, tk.ID)
	}

	if !h.sup.Cancel(tk.ID) {
		t.Fatal("Cancel did not find the runner")
	}
	waitForStatus(t, h.store, tk.ID, task.StatusCancelled)
	<-r.Done()

	// The entry is removed once the goroutine exits.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.sup.Lookup(tk.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("runner still registered after exit")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.sup.Cancel(tk.ID) {
		t.Error("Cancel found a runner that already exited")
	}
}

func TestSupervisor_NoRestartAfterExit(t *testing.T) {
	h := newHarness(t, &fakeEnv{startErr: errors.New("daemon down")}, newFakeAgent())
	tk := createPending(t, h.store, "x")

	if err := h.sup.Launch(tk); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, h.store, tk.ID, task.StatusFailed)
	h.sup.Wait()

	if ids := h.sup.Running(); len(ids) != 0 {
		t.Errorf("Running after failure = %v, want none", ids)
	}
}

func TestSupervisor_Shutdown(t *testing.T) {
	env := &fakeEnv{}
	agent := newFakeAgent()
	h := newHarness(t, env, agent)

	tk := createPending(t, h.store, "x")
	if err := h.sup.Launch(tk); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, h.store, tk.ID, task.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, err := h.store.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("status after shutdown = %s, want cancelled", got.Status)
	}
	if env.stopCount() != 1 {
		t.Errorf("environment stopped %d times, want 1", env.stopCount())
	}

	other := createPending(t, h.store, "late")
	if err := h.sup.Launch(other); !errors.Is(err, ErrSupervisorClosed) {
		t.Errorf("Launch after Shutdown error = %v, want ErrSupervisorClosed", err)
	}
}

func TestSupervisor_Owner(t *testing.T) {
	a := NewSupervisor(Deps{}, RunnerConfig{})
	b := NewSupervisor(Deps{}, RunnerConfig{})
	if a.Owner() == "" || a.Owner() == b.Owner() {
		t.Errorf("owners = %q, %q, want distinct non-empty ids", a.Owner(), b.Owner())
	}
	if c := NewSupervisor(Deps{Owner: "worker-1"}, RunnerConfig{}); c.Owner() != "worker-1" {
		t.Errorf("Owner = %q, want worker-1", c.Owner())
	}
}
