package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/GoCodeAlone/sandcastle/comms"
	"github.com/GoCodeAlone/sandcastle/config"
	"github.com/GoCodeAlone/sandcastle/opencode"
	"github.com/GoCodeAlone/sandcastle/orchestrator"
	"github.com/GoCodeAlone/sandcastle/sandbox"
	"github.com/GoCodeAlone/sandcastle/task"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  storeCloser
	env    *sandbox.Provider
	bus    *comms.InMemoryBus
	sup    *orchestrator.Supervisor
	svc    *orchestrator.Service
}

type storeCloser interface {
	task.Store
	Close() error
}

// loadConfig reads the config file, applies environment overrides and
// command-line flags, and validates the result.
func (g *Globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if g.DataDir != "" {
		cfg.DataDir = g.DataDir
	}
	if g.Debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// open wires the store and, when withRuntime is set, the Docker provider,
// the agent client and the supervisor.
func (g *Globals) open(ctx context.Context, withRuntime bool) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: store}
	if !withRuntime {
		a.svc = orchestrator.NewService(store, orchestrator.NewSupervisor(orchestrator.Deps{Store: store, Logger: logger}, orchestrator.RunnerConfig{}), nil, cfg.Orchestrator.MaxConcurrentTasks, logger)
		return a, nil
	}

	a.env = sandbox.NewProvider(sandbox.Config{
		AgentPort:   cfg.Sandbox.AgentPort,
		HostIP:      cfg.Sandbox.HostIP,
		Cmd:         cfg.Sandbox.Command,
		Env:         sandboxEnv(cfg),
		MemoryLimit: cfg.Sandbox.MemoryLimit,
		CPULimit:    cfg.Sandbox.CPULimit,
		NetworkMode: cfg.Sandbox.NetworkMode,
		StopTimeout: cfg.Sandbox.StopTimeout,
		PullTimeout: cfg.Sandbox.PullTimeout,
	})
	if !a.env.IsAvailable() {
		store.Close()
		return nil, fmt.Errorf("docker daemon is not reachable")
	}

	perms, err := permissionStrategy(cfg.Permissions)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	agent := opencode.New(opencode.Config{
		Username: cfg.Agent.Username,
		Password: os.Getenv(cfg.Agent.PasswordEnv),
		Logger:   logger,
	})

	var model *opencode.Model
	if m := cfg.Agent.Model; m != nil {
		model = &opencode.Model{ProviderID: m.ProviderID, ModelID: m.ModelID}
	}

	a.bus = comms.NewInMemoryBus()
	a.sup = orchestrator.NewSupervisor(orchestrator.Deps{
		Store:       store,
		Env:         a.env,
		Agent:       agent,
		Permissions: perms,
		Bus:         comms.NewRedactingBus(a.bus, secretRedactor(cfg)),
		Logger:      logger,
	}, orchestrator.RunnerConfig{
		Image:                 cfg.Sandbox.Image,
		StartTimeout:          cfg.Runner.StartTimeout,
		HealthTimeout:         cfg.Runner.HealthTimeout,
		HealthInitialInterval: cfg.Runner.HealthInitialInterval,
		HealthMaxInterval:     cfg.Runner.HealthMaxInterval,
		CallTimeout:           cfg.Runner.CallTimeout,
		HeartbeatInterval:     cfg.Runner.HeartbeatInterval,
		LeaseTTL:              cfg.Runner.LeaseTTL,
		Model:                 model,
		Agent:                 cfg.Agent.Agent,
	})
	a.svc = orchestrator.NewService(store, a.sup, a.env, cfg.Orchestrator.MaxConcurrentTasks, logger)
	return a, nil
}

// reconcileOnStart runs the sweep if the config asks for it.
func (a *app) reconcileOnStart(ctx context.Context) {
	if !a.cfg.Orchestrator.ReconcileOnStart {
		return
	}
	report, err := a.svc.Reconcile(ctx)
	if err != nil {
		a.logger.Warn("reconcile on start", "error", err)
		return
	}
	for _, err := range report.Errors {
		a.logger.Warn("reconcile on start", "error", err)
	}
	if len(report.Relaunched)+len(report.Failed) > 0 {
		a.logger.Info("reconciled stranded tasks", "relaunched", len(report.Relaunched), "failed", len(report.Failed))
	}
}

// Close shuts down runners still in flight (recording them as cancelled),
// then releases the Docker client and the store. Commands that launch
// runners wait for them before returning, so Close only cancels work
// after an interrupt.
func (a *app) Close(ctx context.Context) {
	if a.sup != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if err := a.sup.Shutdown(sctx); err != nil {
			a.logger.Error("supervisor shutdown", "error", err)
		}
		cancel()
	}
	if a.env != nil {
		if err := a.env.Close(); err != nil {
			a.logger.Warn("close docker client", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storeCloser, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		return task.NewPostgresStore(ctx, cfg.Database.DSN)
	default:
		path := cfg.Database.DSN
		if path == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			path = filepath.Join(cfg.DataDir, "sandcastle.db")
		}
		return task.NewSQLiteStore(path)
	}
}

// sandboxEnv passes the agent password into every container so the agent
// server and the client agree on it.
func sandboxEnv(cfg *config.Config) map[string]string {
	env := make(map[string]string, len(cfg.Sandbox.Env)+1)
	for k, v := range cfg.Sandbox.Env {
		env[k] = v
	}
	if name := cfg.Agent.PasswordEnv; name != "" {
		if pw := os.Getenv(name); pw != "" {
			env["OPENCODE_SERVER_PASSWORD"] = pw
		}
	}
	return env
}

// secretRedactor knows the agent password and every value handed to the
// sandbox environment, which is where provider API keys end up.
func secretRedactor(cfg *config.Config) *comms.Redactor {
	r := comms.NewRedactor()
	if name := cfg.Agent.PasswordEnv; name != "" {
		r.Add(name, os.Getenv(name))
	}
	for k, v := range cfg.Sandbox.Env {
		r.Add(k, v)
	}
	return r
}

func permissionStrategy(pc config.PermissionsConfig) (orchestrator.PermissionStrategy, error) {
	rules := make([]orchestrator.PermissionRule, 0, len(pc.Rules))
	for _, r := range pc.Rules {
		rules = append(rules, orchestrator.PermissionRule{
			Permission: r.Permission,
			Action:     orchestrator.PermissionAction(strings.ToLower(r.Action)),
		})
	}
	return orchestrator.NewPermissionStrategy(orchestrator.PermissionAction(strings.ToLower(pc.Default)), rules)
}
