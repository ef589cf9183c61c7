// Package task defines the task model, its lifecycle policy, and persistence.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is one user-submitted coding instruction and its execution record.
type Task struct {
	ID            string     `json:"id"`
	Instruction   string     `json:"instruction"`
	Status        Status     `json:"status"`
	UserID        string     `json:"user_id"`
	ContainerID   string     `json:"container_id,omitempty"`
	ContainerPort int        `json:"container_port,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	Error         string     `json:"error,omitempty"`
	Owner         string     `json:"owner,omitempty"` // process holding the task's lease
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Update carries the status-related fields a runner may change. Nil fields
// are left untouched. StartedAt and CompletedAt are write-once: stores keep
// the first value written.
//
// When IfStatus is set the update only applies while the stored status
// equals it; otherwise the store returns ErrConflict and changes nothing.
type Update struct {
	IfStatus      *Status
	Status        *Status
	ContainerID   *string
	ContainerPort *int
	SessionID     *string
	Error         *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Store persists and retrieves tasks.
type Store interface {
	// Create validates and persists a new task, assigning its ID and timestamps.
	Create(ctx context.Context, t *Task) error

	// Get retrieves a task by ID regardless of owner.
	Get(ctx context.Context, id string) (*Task, error)

	// GetForUser retrieves a task owned by userID. Tasks owned by other
	// users are reported as ErrNotFound.
	GetForUser(ctx context.Context, id, userID string) (*Task, error)

	// ListForUser returns the user's tasks, most recent first.
	ListForUser(ctx context.Context, userID string) ([]*Task, error)

	// CountActiveForUser counts the user's pending, starting, and running tasks.
	CountActiveForUser(ctx context.Context, userID string) (int, error)

	// Update applies u to the task and returns the stored result.
	Update(ctx context.Context, id string, u Update) (*Task, error)

	// ListActive returns every active task across all users, oldest first.
	ListActive(ctx context.Context) ([]*Task, error)

	// Claim takes the lease on an active task for owner. It succeeds when
	// the task is unowned, already owned by owner, or its lease was last
	// renewed before staleBefore. Otherwise it returns ErrLeaseHeld.
	Claim(ctx context.Context, id, owner string, staleBefore time.Time) (*Task, error)

	// Heartbeat renews owner's lease on an active task. It returns
	// ErrLeaseLost when the task is terminal or leased by someone else.
	Heartbeat(ctx context.Context, id, owner string) error
}

var (
	// ErrNotFound is returned when a task does not exist or is not visible
	// to the caller.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned by Update when IfStatus no longer matches.
	ErrConflict = errors.New("task status changed concurrently")

	ErrLeaseHeld = errors.New("task is leased by another process")
	ErrLeaseLost = errors.New("task lease lost")
)

// ValidationError reports a malformed task attribute.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task %s: %s", e.Field, e.Reason)
}

// validateNew checks the attributes of a task about to be created and
// defaults its status to pending.
func validateNew(t *Task) error {
	if t.Instruction == "" {
		return &ValidationError{Field: "instruction", Reason: "must not be empty"}
	}
	if t.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if !IsValidStatus(t.Status) {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", t.Status)}
	}
	return nil
}

func (u Update) validate() error {
	if u.IfStatus != nil && !IsValidStatus(*u.IfStatus) {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *u.IfStatus)}
	}
	if u.Status != nil && !IsValidStatus(*u.Status) {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *u.Status)}
	}
	if u.ContainerPort != nil && (*u.ContainerPort < 0 || *u.ContainerPort > 65535) {
		return &ValidationError{Field: "container_port", Reason: fmt.Sprintf("out of range: %d", *u.ContainerPort)}
	}
	return nil
}

// assignment is one column write in an UPDATE statement. expr holds a single
// %s verb for the dialect-specific placeholder.
type assignment struct {
	expr string
	arg  any
}

func (u Update) assignments() []assignment {
	var as []assignment
	if u.Status != nil {
		as = append(as, assignment{"status = %s", string(*u.Status)})
	}
	if u.ContainerID != nil {
		as = append(as, assignment{"container_id = %s", *u.ContainerID})
	}
	if u.ContainerPort != nil {
		as = append(as, assignment{"container_port = %s", *u.ContainerPort})
	}
	if u.SessionID != nil {
		as = append(as, assignment{"session_id = %s", *u.SessionID})
	}
	if u.Error != nil {
		as = append(as, assignment{"error = %s", *u.Error})
	}
	if u.StartedAt != nil {
		as = append(as, assignment{"started_at = COALESCE(started_at, %s)", u.StartedAt.UTC()})
	}
	if u.CompletedAt != nil {
		as = append(as, assignment{"completed_at = COALESCE(completed_at, %s)", u.CompletedAt.UTC()})
	}
	return as
}
