package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/sandcastle/sandbox"
	"github.com/GoCodeAlone/sandcastle/task"
)

// DefaultMaxConcurrentTasks is the per-user ceiling used when none is set.
const DefaultMaxConcurrentTasks = 3

const orphanedError = "runner lost: task orphaned"

// Service implements task creation, cancellation, lookup, and the
// reconciliation sweep.
type Service struct {
	store         task.Store
	sup           *Supervisor
	env           Environment
	maxConcurrent int
	logger        *slog.Logger

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewService wires a service. env is used only by Reconcile and may be nil.
func NewService(store task.Store, sup *Supervisor, env Environment, maxConcurrent int, logger *slog.Logger) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentTasks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		sup:           sup,
		env:           env,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		locks:         make(map[string]*userLock),
	}
}

// CreateTask admits and persists a new pending task for userID and starts
// its runner. Runner failures are never returned here; they end up on the
// task's error field.
func (s *Service) CreateTask(ctx context.Context, instruction, userID string) (*task.Task, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, ErrInstructionRequired
	}

	unlock := s.lockUser(userID)
	t, err := s.admit(ctx, instruction, userID)
	unlock()
	if err != nil {
		return nil, err
	}

	if err := s.sup.Launch(t); err != nil && !errors.Is(err, ErrRunnerExists) {
		s.logger.Error("launch runner", "task_id", t.ID, "error", err)
	}
	return t, nil
}

func (s *Service) admit(ctx context.Context, instruction, userID string) (*task.Task, error) {
	active, err := s.store.CountActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count active tasks: %w", err)
	}
	if active >= s.maxConcurrent {
		return nil, fmt.Errorf("%w: %d of %d tasks active", ErrConcurrentLimitReached, active, s.maxConcurrent)
	}

	t := &task.Task{Instruction: instruction, UserID: userID, Status: task.StatusPending, Owner: s.sup.Owner()}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", t.ID, "user_id", userID)
	return t, nil
}

// lockUser serialises admission per user so the count and the insert
// happen atomically with respect to that user's other requests.
func (s *Service) lockUser(userID string) func() {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.mu.Unlock()
	}
}

// CancelTask signals the task's runner. It returns once the signal is
// delivered; the task settles at cancelled asynchronously.
func (s *Service) CancelTask(ctx context.Context, taskID, userID string) error {
	t, err := s.store.GetForUser(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if t.Status == task.StatusCancelled {
		return nil
	}
	if !task.IsCancellable(t.Status) {
		return fmt.Errorf("%w: task %s is %s", ErrNotCancellable, taskID, t.Status)
	}
	if !s.sup.Cancel(taskID) {
		s.logger.Debug("cancel: no live runner", "task_id", taskID)
	}
	return nil
}

// GetTask returns the task if userID owns it.
func (s *Service) GetTask(ctx context.Context, taskID, userID string) (*task.Task, error) {
	return s.store.GetForUser(ctx, taskID, userID)
}

// ListTasks returns userID's tasks, most recent first.
func (s *Service) ListTasks(ctx context.Context, userID string) ([]*task.Task, error) {
	return s.store.ListForUser(ctx, userID)
}

// ReconcileReport summarises a reconciliation sweep.
type ReconcileReport struct {
	Relaunched []string
	Failed     []string
	Leased     []string // active tasks another live process is running
	Errors     []error
}

// Reconcile repairs active tasks whose runner is gone, typically left
// behind by a crashed process or a failed launch. A task is taken over
// only when its lease can be claimed: it is unowned, owned by this
// process without a local runner, or its owner stopped renewing the lease
// for longer than the lease TTL. Pending tasks get a new runner. Starting
// or running tasks have an unknown remote state, so they are marked failed
// and their container is stopped.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list active tasks: %w", err)
	}

	owner := s.sup.Owner()
	staleBefore := time.Now().Add(-s.sup.cfg.LeaseTTL)
	report := &ReconcileReport{}
	for _, t := range active {
		if _, ok := s.sup.Lookup(t.ID); ok {
			continue
		}
		cur, err := s.store.Claim(ctx, t.ID, owner, staleBefore)
		switch {
		case errors.Is(err, task.ErrLeaseHeld):
			// Either live elsewhere or finished since the listing.
			if latest, gerr := s.store.Get(ctx, t.ID); gerr == nil && !latest.Status.IsTerminal() {
				report.Leased = append(report.Leased, t.ID)
			}
			continue
		case errors.Is(err, task.ErrNotFound):
			continue
		case err != nil:
			report.Errors = append(report.Errors, fmt.Errorf("task %s: claim: %w", t.ID, err))
			continue
		}

		switch cur.Status {
		case task.StatusPending:
			if err := s.sup.Launch(cur); err != nil {
				if errors.Is(err, ErrRunnerExists) {
					continue
				}
				report.Errors = append(report.Errors, fmt.Errorf("task %s: relaunch: %w", cur.ID, err))
				continue
			}
			s.logger.Info("reconcile: relaunched pending task", "task_id", cur.ID)
			report.Relaunched = append(report.Relaunched, cur.ID)
		default:
			err := s.failOrphan(ctx, cur, t.Owner)
			if errors.Is(err, task.ErrConflict) {
				continue
			}
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("task %s: %w", cur.ID, err))
				continue
			}
			report.Failed = append(report.Failed, cur.ID)
		}
	}
	return report, nil
}

// failOrphan marks a claimed starting or running task failed, then stops
// its container if one is still around.
func (s *Service) failOrphan(ctx context.Context, t *task.Task, prevOwner string) error {
	if !task.IsValidTransition(t.Status, task.StatusFailed) {
		return fmt.Errorf("cannot fail task in status %s", t.Status)
	}
	from := t.Status
	failed := task.StatusFailed
	msg := orphanedError
	now := time.Now().UTC()
	_, err := s.store.Update(ctx, t.ID, task.Update{IfStatus: &from, Status: &failed, Error: &msg, CompletedAt: &now})
	if errors.Is(err, task.ErrConflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	s.logger.Warn("reconcile: failed orphaned task", "task_id", t.ID, "from", from, "previous_owner", prevOwner)

	if t.ContainerID != "" && s.env != nil {
		state, err := s.env.Status(ctx, t.ContainerID)
		switch {
		case err != nil:
			s.logger.Warn("reconcile: container status", "task_id", t.ID, "container_id", t.ContainerID, "error", err)
		case state != sandbox.StateNotFound:
			if err := s.env.Stop(ctx, t.ContainerID); err != nil {
				s.logger.Warn("reconcile: stop container", "task_id", t.ID, "container_id", t.ContainerID, "error", err)
			}
		}
	}
	return nil
}
