package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/sandcastle/comms"
	"github.com/GoCodeAlone/sandcastle/opencode"
	"github.com/GoCodeAlone/sandcastle/sandbox"
	"github.com/GoCodeAlone/sandcastle/task"
)

const testSession = "ses-1"

type fakeEnv struct {
	mu       sync.Mutex
	gate     chan struct{} // when set, Start blocks until it closes or ctx ends
	startErr error
	started  []string
	stopped  []string
	states   map[string]sandbox.State
}

func (e *fakeEnv) Start(ctx context.Context, image string, opts sandbox.StartOptions) (*sandbox.Instance, error) {
	e.mu.Lock()
	gate, startErr := e.gate, e.startErr
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if startErr != nil {
		return nil, startErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id := fmt.Sprintf("ctr-%d", len(e.started)+1)
	e.started = append(e.started, opts.Name)
	return &sandbox.Instance{ContainerID: id, Host: "127.0.0.1", Port: 40000 + len(e.started)}, nil
}

func (e *fakeEnv) Stop(_ context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, containerID)
	return nil
}

func (e *fakeEnv) Status(_ context.Context, containerID string) (sandbox.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[containerID]; ok {
		return s, nil
	}
	return sandbox.StateNotFound, nil
}

func (e *fakeEnv) stopCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.stopped)
}

type permissionReply struct {
	sessionID, permissionID string
	response                opencode.PermissionResponse
}

type fakeAgent struct {
	mu           sync.Mutex
	healthErr    error
	sessionErr   error
	promptErr    error
	panicSession bool

	events  chan opencode.StreamEvent
	prompts []string
	aborts  []string
	replies []permissionReply
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{events: make(chan opencode.StreamEvent, 32)}
}

func (a *fakeAgent) Health(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthErr
}

func (a *fakeAgent) CreateSession(context.Context, string, opencode.SessionOptions) (*opencode.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.panicSession {
		panic("boom")
	}
	if a.sessionErr != nil {
		return nil, a.sessionErr
	}
	return &opencode.Session{ID: testSession}, nil
}

func (a *fakeAgent) SendPromptAsync(_ context.Context, _, _ string, parts []opencode.Part, _ opencode.PromptOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.promptErr != nil {
		return a.promptErr
	}
	for _, p := range parts {
		a.prompts = append(a.prompts, p.Text)
	}
	return nil
}

func (a *fakeAgent) AbortSession(_ context.Context, _, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborts = append(a.aborts, sessionID)
	return errors.New("abort unsupported")
}

func (a *fakeAgent) SubscribeEvents(context.Context, string) (<-chan opencode.StreamEvent, error) {
	return a.events, nil
}

func (a *fakeAgent) ReplyPermission(_ context.Context, _, sessionID, permissionID string, response opencode.PermissionResponse) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, permissionReply{sessionID, permissionID, response})
	return nil
}

func (a *fakeAgent) send(typ, props string) {
	a.events <- opencode.StreamEvent{Event: opencode.Event{Type: typ, Properties: []byte(props)}}
}

func (a *fakeAgent) snapshot() (prompts, aborts []string, replies []permissionReply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...), append([]string(nil), a.aborts...), append([]permissionReply(nil), a.replies...)
}

type harness struct {
	store *task.SQLiteStore
	env   *fakeEnv
	agent *fakeAgent
	bus   *comms.InMemoryBus
	sup   *Supervisor
	svc   *Service
}

type harnessConfig struct {
	deps   Deps
	limit  int
	runner RunnerConfig
	store  *task.SQLiteStore
	wrap   func(*task.SQLiteStore) task.Store
}

type harnessOption func(*harnessConfig)

func withPermissions(p PermissionStrategy) harnessOption {
	return func(c *harnessConfig) { c.deps.Permissions = p }
}

func withMaxConcurrent(n int) harnessOption {
	return func(c *harnessConfig) { c.limit = n }
}

// withStore makes the harness share an existing database, the way two
// sandcastle processes share one.
func withStore(store *task.SQLiteStore) harnessOption {
	return func(c *harnessConfig) { c.store = store }
}

// withStoreWrapper puts a wrapper between the orchestrator and the store.
func withStoreWrapper(wrap func(*task.SQLiteStore) task.Store) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func withLease(heartbeat, ttl time.Duration) harnessOption {
	return func(c *harnessConfig) {
		c.runner.HeartbeatInterval = heartbeat
		c.runner.LeaseTTL = ttl
	}
}

func newHarness(t *testing.T, env *fakeEnv, agent *fakeAgent, opts ...harnessOption) *harness {
	t.Helper()
	bus := comms.NewInMemoryBus()
	cfg := harnessConfig{
		deps: Deps{
			Env:    env,
			Agent:  agent,
			Bus:    bus,
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
		limit: 3,
		runner: RunnerConfig{
			Image:                 "sandcastle/agent:test",
			HealthTimeout:         200 * time.Millisecond,
			HealthInitialInterval: 5 * time.Millisecond,
			HealthMaxInterval:     20 * time.Millisecond,
			CallTimeout:           time.Second,
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	store := cfg.store
	if store == nil {
		store = newStore(t)
	}
	var st task.Store = store
	if cfg.wrap != nil {
		st = cfg.wrap(store)
	}
	cfg.deps.Store = st

	sup := NewSupervisor(cfg.deps, cfg.runner)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sup.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return &harness{
		store: store,
		env:   env,
		agent: agent,
		bus:   bus,
		sup:   sup,
		svc:   NewService(st, sup, env, cfg.limit, cfg.deps.Logger),
	}
}

// failingStore fails the first Update that matches, then behaves normally.
type failingStore struct {
	*task.SQLiteStore

	mu      sync.Mutex
	matches func(task.Update) bool
	failed  bool
}

func (s *failingStore) Update(ctx context.Context, id string, u task.Update) (*task.Task, error) {
	s.mu.Lock()
	fail := !s.failed && s.matches(u)
	if fail {
		s.failed = true
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return s.SQLiteStore.Update(ctx, id, u)
}

// panickingStore panics on the first Update.
type panickingStore struct {
	*task.SQLiteStore
	once sync.Once
}

func (s *panickingStore) Update(ctx context.Context, id string, u task.Update) (*task.Task, error) {
	s.once.Do(func() { panic("store exploded") })
	return s.SQLiteStore.Update(ctx, id, u)
}

func newStore(t *testing.T) *task.SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "sandcastle-orch-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := task.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// waitForStatus polls the store until the task reaches want.
func waitForStatus(t *testing.T, store task.Store, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *task.Task
	for time.Now().Before(deadline) {
		got, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		last = got
		if got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s: status = %s (error %q), want %s", id, last.Status, last.Error, want)
	return nil
}

// waitForRunnerExit waits until the supervisor no longer tracks id.
func waitForRunnerExit(t *testing.T, sup *Supervisor, id string) {
	t.Helper()
	r, ok := sup.Lookup(id)
	if !ok {
		return
	}
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("runner for %s did not exit", id)
	}
}
