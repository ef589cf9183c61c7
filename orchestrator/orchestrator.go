// Package orchestrator admits, runs, cancels, and reconciles sandboxed
// coding tasks. Each active task is driven by its own Runner goroutine,
// tracked by a Supervisor; Service exposes the use cases.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/sandcastle/comms"
	"github.com/GoCodeAlone/sandcastle/opencode"
	"github.com/GoCodeAlone/sandcastle/sandbox"
	"github.com/GoCodeAlone/sandcastle/task"
)

var (
	ErrInstructionRequired    = errors.New("instruction is required")
	ErrConcurrentLimitReached = errors.New("concurrent task limit reached")
	ErrNotCancellable         = errors.New("task is not cancellable")
	ErrRunnerExists           = errors.New("task already has a runner")
	ErrSupervisorClosed       = errors.New("supervisor is shut down")

	// ErrNotFound is returned for tasks that do not exist or belong to
	// another user.
	ErrNotFound = task.ErrNotFound
)

// Environment starts and stops the isolated container a task runs in.
type Environment interface {
	Start(ctx context.Context, image string, opts sandbox.StartOptions) (*sandbox.Instance, error)
	Stop(ctx context.Context, containerID string) error
	Status(ctx context.Context, containerID string) (sandbox.State, error)
}

// AgentClient talks to the coding-agent server inside a task's container.
type AgentClient interface {
	Health(ctx context.Context, baseURL string) error
	CreateSession(ctx context.Context, baseURL string, opts opencode.SessionOptions) (*opencode.Session, error)
	SendPromptAsync(ctx context.Context, baseURL, sessionID string, parts []opencode.Part, opts opencode.PromptOptions) error
	AbortSession(ctx context.Context, baseURL, sessionID string) error
	SubscribeEvents(ctx context.Context, baseURL string) (<-chan opencode.StreamEvent, error)
	ReplyPermission(ctx context.Context, baseURL, sessionID, permissionID string, response opencode.PermissionResponse) error
}

// Deps are the collaborators shared by every runner.
type Deps struct {
	Store       task.Store
	Env         Environment
	Agent       AgentClient
	Permissions PermissionStrategy // defaults to AllowAll
	Bus         comms.Bus          // optional
	Logger      *slog.Logger       // defaults to slog.Default()

	// Owner identifies this process in task leases. NewSupervisor
	// generates one when empty.
	Owner string
}

func (d Deps) withDefaults() Deps {
	if d.Permissions == nil {
		d.Permissions = AllowAll{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// RunnerConfig controls how a runner drives its task.
type RunnerConfig struct {
	Image                 string
	StartTimeout          time.Duration // environment start, including image pull
	HealthTimeout         time.Duration // total time to wait for the agent server
	HealthInitialInterval time.Duration
	HealthMaxInterval     time.Duration
	CallTimeout           time.Duration // every other agent and store call
	HeartbeatInterval     time.Duration // lease renewal period
	LeaseTTL              time.Duration // age after which another process may take a task over
	Model                 *opencode.Model
	Agent                 string
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 5 * time.Minute
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 60 * time.Second
	}
	if c.HealthInitialInterval <= 0 {
		c.HealthInitialInterval = 250 * time.Millisecond
	}
	if c.HealthMaxInterval <= 0 {
		c.HealthMaxInterval = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 6 * c.HeartbeatInterval
	}
	return c
}
