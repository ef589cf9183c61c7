package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/sandcastle/task"
)

// Supervisor owns the task-id → runner registry. A runner is inserted
// before its goroutine starts and removed when it exits. Runners are
// never restarted.
type Supervisor struct {
	deps Deps
	cfg  RunnerConfig

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	runners map[string]*Runner
	closed  bool
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor whose runners share deps and cfg.
func NewSupervisor(deps Deps, cfg RunnerConfig) *Supervisor {
	if deps.Owner == "" {
		deps.Owner = newOwnerID()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Supervisor{
		deps:    deps.withDefaults(),
		cfg:     cfg.withDefaults(),
		baseCtx: ctx,
		stop:    stop,
		runners: make(map[string]*Runner),
	}
}

// Launch starts a runner for t. The runner's context derives from the
// supervisor, not from any request.
func (s *Supervisor) Launch(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSupervisorClosed
	}
	if _, ok := s.runners[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunnerExists, t.ID)
	}

	r := newRunner(*t, s.deps, s.cfg)
	s.runners[t.ID] = r
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.remove(t.ID, r)
		r.Run(s.baseCtx)
	}()
	s.deps.Logger.Debug("runner launched", "task_id", t.ID)
	return nil
}

// newOwnerID names this process in task leases.
func newOwnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Owner returns the lease holder id shared by this supervisor's runners.
func (s *Supervisor) Owner() string { return s.deps.Owner }

func (s *Supervisor) remove(id string, r *Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runners[id] == r {
		delete(s.runners, id)
	}
}

// Lookup returns the live runner for id.
func (s *Supervisor) Lookup(id string) (*Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	return r, ok
}

// Cancel signals the runner for id. It reports whether a runner was found.
func (s *Supervisor) Cancel(id string) bool {
	r, ok := s.Lookup(id)
	if ok {
		r.Cancel()
	}
	return ok
}

// Running returns the ids of live runners, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Wait blocks until every launched runner has exited.
func (s *Supervisor) Wait() { s.wg.Wait() }

// Shutdown cancels every runner and waits for them to record their
// outcome, or for ctx to expire. No runner can be launched afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown: %w", ctx.Err())
	}
}
