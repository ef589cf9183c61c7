package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/GoCodeAlone/sandcastle/comms"
	"github.com/GoCodeAlone/sandcastle/opencode"
	"github.com/GoCodeAlone/sandcastle/sandbox"
	"github.com/GoCodeAlone/sandcastle/task"
)

// Runner drives one task from pending to a terminal status. It is the only
// writer of the task's status while it holds the task's lease, and every
// status write is conditional on the status it last persisted itself.
type Runner struct {
	task   task.Task // last persisted state
	deps   Deps
	cfg    RunnerConfig
	logger *slog.Logger

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
	halt       context.CancelFunc

	// Owned by the runner; a failed store write does not lose them.
	baseURL     string
	containerID string
	sessionID   string
	envStopped  bool

	// detached is set once another writer owns the task. The runner then
	// stops persisting anything.
	detached atomic.Bool
}

func newRunner(t task.Task, deps Deps, cfg RunnerConfig) *Runner {
	deps = deps.withDefaults()
	return &Runner{
		task:        t,
		deps:        deps,
		cfg:         cfg.withDefaults(),
		logger:      deps.Logger.With("task_id", t.ID),
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
		containerID: t.ContainerID,
		sessionID:   t.SessionID,
	}
}

// TaskID returns the ID of the task the runner owns.
func (r *Runner) TaskID() string { return r.task.ID }

// Cancel asks the runner to cancel its task. It returns immediately and is
// safe to call any number of times.
func (r *Runner) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// Done is closed when the runner has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Run drives the task until it reaches a terminal status, the runner is
// cancelled, or ctx is done. Cancellation of ctx is treated like Cancel.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)
	defer r.stopEnvironment(ctx)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("runner panic", "panic", p, "stack", string(debug.Stack()))
			r.failAfterPanic(ctx, fmt.Sprintf("runner panic: %v", p))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.halt = cancel
	go func() {
		select {
		case <-r.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if !r.acquire(ctx) {
		return
	}
	go r.heartbeat(ctx, r.task.ID)

	events, ok := r.start(ctx)
	if !ok {
		return
	}
	r.loop(ctx, events)
}

// start brings the task from pending to running. It returns false when the
// task ended (or could not proceed) during startup.
func (r *Runner) start(ctx context.Context) (<-chan opencode.StreamEvent, bool) {
	if ctx.Err() != nil {
		r.cancelTask(ctx)
		return nil, false
	}
	if !r.transition(ctx, task.StatusStarting, task.Update{}) {
		return nil, false
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StartTimeout)
	inst, err := r.deps.Env.Start(sctx, r.cfg.Image, sandbox.StartOptions{
		Name: "sandcastle-" + r.task.ID,
		Labels: map[string]string{
			"sandcastle.task_id": r.task.ID,
			"sandcastle.user_id": r.task.UserID,
		},
	})
	cancel()
	if err != nil {
		return nil, r.abort(ctx, fmt.Sprintf("start environment: %v", err))
	}
	r.baseURL = inst.BaseURL()
	r.containerID = inst.ContainerID
	r.record(ctx, task.Update{ContainerID: &inst.ContainerID, ContainerPort: &inst.Port})

	if err := r.waitHealthy(ctx); err != nil {
		return nil, r.abort(ctx, fmt.Sprintf("agent server not healthy after %s: %v", r.cfg.HealthTimeout, err))
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	session, err := r.deps.Agent.CreateSession(cctx, r.baseURL, opencode.SessionOptions{Title: "sandcastle " + r.task.ID})
	cancel()
	if err != nil {
		return nil, r.abort(ctx, fmt.Sprintf("create session: %v", err))
	}
	r.sessionID = session.ID
	r.record(ctx, task.Update{SessionID: &session.ID})

	events, err := r.deps.Agent.SubscribeEvents(ctx, r.baseURL)
	if err != nil {
		return nil, r.abort(ctx, fmt.Sprintf("subscribe to events: %v", err))
	}

	now := time.Now().UTC()
	if !r.transition(ctx, task.StatusRunning, task.Update{StartedAt: &now}) {
		// The task stays starting. Once this runner exits its lease goes
		// stale and the reconciliation sweep fails it.
		return nil, false
	}

	cctx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
	err = r.deps.Agent.SendPromptAsync(cctx, r.baseURL, session.ID,
		[]opencode.Part{opencode.TextPart(r.task.Instruction)},
		opencode.PromptOptions{Model: r.cfg.Model, Agent: r.cfg.Agent})
	cancel()
	if err != nil {
		return nil, r.abort(ctx, fmt.Sprintf("send prompt: %v", err))
	}
	return events, true
}

// loop consumes the event feed until a terminal signal arrives.
func (r *Runner) loop(ctx context.Context, events <-chan opencode.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			r.cancelTask(ctx)
			return
		case msg, ok := <-events:
			switch {
			case ctx.Err() != nil:
				r.cancelTask(ctx)
				return
			case !ok:
				r.fail(ctx, "event stream closed unexpectedly")
				return
			case msg.Err != nil:
				r.fail(ctx, fmt.Sprintf("event stream: %v", msg.Err))
				return
			}
			if r.handleEvent(ctx, msg.Event) {
				return
			}
		}
	}
}

// handleEvent applies one event and reports whether the task is finished.
func (r *Runner) handleEvent(ctx context.Context, ev opencode.Event) bool {
	if sid := ev.SessionID(); sid != "" && sid != r.sessionID {
		return false
	}
	switch ev.Kind() {
	case opencode.KindConnected:
		r.logger.Debug("event stream connected")
	case opencode.KindOutput:
		if text := ev.OutputText(); text != "" {
			r.publish(ctx, comms.TypeOutput, text, nil)
		}
	case opencode.KindPermission:
		r.answerPermission(ctx, ev)
	case opencode.KindSessionError:
		r.fail(ctx, ev.ErrorMessage())
		return true
	case opencode.KindIdle:
		now := time.Now().UTC()
		r.transition(ctx, task.StatusCompleted, task.Update{CompletedAt: &now})
		return true
	}
	return false
}

func (r *Runner) answerPermission(ctx context.Context, ev opencode.Event) {
	p, err := ev.Permission()
	if err != nil {
		r.logger.Warn("ignoring malformed permission event", "error", err)
		return
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = r.sessionID
	}
	resp := r.deps.Permissions.Decide(p)

	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	if err := r.deps.Agent.ReplyPermission(cctx, r.baseURL, sessionID, p.ID, resp); err != nil {
		r.logger.Warn("reply to permission", "permission", p.Name(), "error", err)
		return
	}
	r.logger.Info("answered permission", "permission", p.Name(), "response", resp)
	r.publish(ctx, comms.TypePermission, p.Name(), map[string]string{
		"permission_id": p.ID,
		"response":      string(resp),
	})
}

func (r *Runner) waitHealthy(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.HealthInitialInterval
	b.MaxInterval = r.cfg.HealthMaxInterval
	b.MaxElapsedTime = r.cfg.HealthTimeout
	b.Reset()

	var lastErr error
	err := backoff.Retry(func() error {
		cctx, cancel := context.WithTimeout(hctx, r.cfg.CallTimeout)
		defer cancel()
		lastErr = r.deps.Agent.Health(cctx, r.baseURL)
		return lastErr
	}, backoff.WithContext(b, hctx))
	if err != nil && lastErr != nil && !errors.Is(lastErr, context.Canceled) {
		return lastErr
	}
	return err
}

// abort ends startup after a failed step: cancelled if the failure came
// from a cancel signal, failed otherwise. It always returns false.
func (r *Runner) abort(ctx context.Context, reason string) bool {
	if ctx.Err() != nil {
		r.cancelTask(ctx)
		return false
	}
	r.fail(ctx, reason)
	return false
}

// failAfterPanic records a panic. A task still pending has no edge to
// failed, so it is moved through starting first.
func (r *Runner) failAfterPanic(ctx context.Context, reason string) {
	if r.task.Status == task.StatusPending && !r.transition(ctx, task.StatusStarting, task.Update{}) {
		r.logger.Error("could not record panic; task left pending", "reason", reason)
		return
	}
	r.fail(ctx, reason)
}

func (r *Runner) fail(ctx context.Context, reason string) {
	r.logger.Warn("task failed", "reason", reason)
	now := time.Now().UTC()
	r.transition(ctx, task.StatusFailed, task.Update{Error: &reason, CompletedAt: &now})
}

// cancelTask aborts the remote session, stops the environment, and records
// the cancellation. Abort and stop failures do not prevent the write.
func (r *Runner) cancelTask(ctx context.Context) {
	if r.task.Status.IsTerminal() {
		return
	}
	if r.sessionID != "" && r.baseURL != "" {
		actx, cancel := r.writeContext(ctx)
		if err := r.deps.Agent.AbortSession(actx, r.baseURL, r.sessionID); err != nil {
			r.logger.Warn("abort session", "error", err)
		}
		cancel()
	}
	r.stopEnvironment(ctx)

	now := time.Now().UTC()
	r.transition(ctx, task.StatusCancelled, task.Update{CompletedAt: &now})
}

// transition persists a move to status to if the policy allows it from the
// runner's last written status. The write only applies while the stored
// status is still that one. Rejected or unpersisted moves return false.
func (r *Runner) transition(ctx context.Context, to task.Status, u task.Update) bool {
	from := r.task.Status
	if r.detached.Load() {
		r.logger.Debug("not persisting transition; task has another owner", "from", from, "to", to)
		return false
	}
	if !task.IsValidTransition(from, to) {
		r.logger.Debug("discarding transition", "from", from, "to", to)
		return false
	}
	u.IfStatus = &from
	u.Status = &to

	wctx, cancel := r.writeContext(ctx)
	defer cancel()
	updated, err := r.deps.Store.Update(wctx, r.task.ID, u)
	if err != nil {
		if errors.Is(err, task.ErrConflict) {
			r.detach("task status changed by another writer")
		}
		r.logger.Error("persist transition", "from", from, "to", to, "error", err)
		return false
	}
	r.task = *updated
	r.logger.Info("task transition", "from", from, "to", to)
	r.publish(ctx, comms.TypeStatus, updated.Error, map[string]string{"from": string(from)})
	return true
}

// record persists non-status fields. A failure is logged; the runner keeps
// its own copy of the values and carries on.
func (r *Runner) record(ctx context.Context, u task.Update) {
	if r.detached.Load() {
		return
	}
	status := r.task.Status
	u.IfStatus = &status

	wctx, cancel := r.writeContext(ctx)
	defer cancel()
	updated, err := r.deps.Store.Update(wctx, r.task.ID, u)
	if err != nil {
		if errors.Is(err, task.ErrConflict) {
			r.detach("task status changed by another writer")
		}
		r.logger.Error("persist task fields", "error", err)
		return
	}
	r.task = *updated
}

// acquire takes the task's lease before the first write. A task leased by
// another live process is left alone.
func (r *Runner) acquire(ctx context.Context) bool {
	wctx, cancel := r.writeContext(ctx)
	defer cancel()
	err := r.deps.Store.Heartbeat(wctx, r.task.ID, r.deps.Owner)
	switch {
	case errors.Is(err, task.ErrLeaseLost):
		r.detached.Store(true)
		r.logger.Warn("task is leased by another process; not running it")
		return false
	case err != nil:
		r.logger.Warn("take task lease", "error", err)
	}
	return true
}

// heartbeat renews the lease until ctx ends. Losing the lease detaches
// the runner and stops it.
func (r *Runner) heartbeat(ctx context.Context, id string) {
	tick := time.NewTicker(r.cfg.HeartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		hctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		err := r.deps.Store.Heartbeat(hctx, id, r.deps.Owner)
		cancel()
		switch {
		case errors.Is(err, task.ErrLeaseLost):
			if ctx.Err() == nil {
				r.detach("task lease lost")
			}
			return
		case err != nil && ctx.Err() == nil:
			r.logger.Warn("renew task lease", "error", err)
		}
	}
}

// detach stops the runner without further writes.
func (r *Runner) detach(reason string) {
	if r.detached.Swap(true) {
		return
	}
	r.logger.Warn("runner detached from task", "reason", reason)
	if r.halt != nil {
		r.halt()
	}
}

// stopEnvironment stops the task's container once. It runs after every
// terminal status and on cancellation.
func (r *Runner) stopEnvironment(ctx context.Context) {
	if r.envStopped || r.containerID == "" {
		return
	}
	r.envStopped = true
	sctx, cancel := r.writeContext(ctx)
	defer cancel()
	if err := r.deps.Env.Stop(sctx, r.containerID); err != nil {
		r.logger.Warn("stop environment", "container_id", r.containerID, "error", err)
	}
}

func (r *Runner) publish(ctx context.Context, typ comms.EventType, content string, meta map[string]string) {
	if r.deps.Bus == nil {
		return
	}
	ev := &comms.Event{
		TaskID:   r.task.ID,
		Type:     typ,
		Status:   string(r.task.Status),
		Content:  content,
		Metadata: meta,
	}
	if err := r.deps.Bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Debug("publish event", "error", err)
	}
}

// writeContext returns a context for terminal bookkeeping that survives
// cancellation of ctx.
func (r *Runner) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CallTimeout)
}
