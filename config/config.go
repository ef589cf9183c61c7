// Package config defines the sandcastle configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the top-level sandcastle configuration.
type Config struct {
	DataDir      string             `json:"data_dir" yaml:"data_dir"`
	LogLevel     string             `json:"log_level" yaml:"log_level"`
	Database     DatabaseConfig     `json:"database" yaml:"database"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Sandbox      SandboxConfig      `json:"sandbox" yaml:"sandbox"`
	Runner       RunnerConfig       `json:"runner" yaml:"runner"`
	Agent        AgentConfig        `json:"agent" yaml:"agent"`
	Permissions  PermissionsConfig  `json:"permissions" yaml:"permissions"`
}

// DatabaseConfig selects the task store. An empty DSN with the sqlite
// driver means <data_dir>/sandcastle.db.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn,omitempty" yaml:"dsn"`
}

// OrchestratorConfig controls admission and startup behaviour.
type OrchestratorConfig struct {
	MaxConcurrentTasks int  `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	ReconcileOnStart   bool `json:"reconcile_on_start" yaml:"reconcile_on_start"`
}

// SandboxConfig controls the task containers.
type SandboxConfig struct {
	Image       string            `json:"image" yaml:"image"`
	AgentPort   int               `json:"agent_port" yaml:"agent_port"`
	HostIP      string            `json:"host_ip" yaml:"host_ip"`
	Command     []string          `json:"command,omitempty" yaml:"command"`
	Env         map[string]string `json:"env,omitempty" yaml:"env"`
	MemoryLimit int64             `json:"memory_limit,omitempty" yaml:"memory_limit"` // bytes
	CPULimit    float64           `json:"cpu_limit,omitempty" yaml:"cpu_limit"`       // cores
	NetworkMode string            `json:"network_mode,omitempty" yaml:"network_mode"`
	StopTimeout time.Duration     `json:"stop_timeout" yaml:"stop_timeout"`
	PullTimeout time.Duration     `json:"pull_timeout" yaml:"pull_timeout"`
}

// RunnerConfig bounds every wait a task runner performs.
type RunnerConfig struct {
	StartTimeout          time.Duration `json:"start_timeout" yaml:"start_timeout"`
	HealthTimeout         time.Duration `json:"health_timeout" yaml:"health_timeout"`
	HealthInitialInterval time.Duration `json:"health_initial_interval" yaml:"health_initial_interval"`
	HealthMaxInterval     time.Duration `json:"health_max_interval" yaml:"health_max_interval"`
	CallTimeout           time.Duration `json:"call_timeout" yaml:"call_timeout"`

	// A runner renews its task's lease every HeartbeatInterval. Another
	// process may take over a task whose lease is older than LeaseTTL.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	LeaseTTL          time.Duration `json:"lease_ttl" yaml:"lease_ttl"`
}

// AgentConfig configures the coding-agent server client.
type AgentConfig struct {
	Username    string       `json:"username" yaml:"username"`
	PasswordEnv string       `json:"password_env" yaml:"password_env"` // name of the env var holding the password
	Agent       string       `json:"agent,omitempty" yaml:"agent"`
	Model       *ModelConfig `json:"model,omitempty" yaml:"model"`
}

// ModelConfig pins the provider and model used for prompts.
type ModelConfig struct {
	ProviderID string `json:"provider_id" yaml:"provider_id"`
	ModelID    string `json:"model_id" yaml:"model_id"`
}

// PermissionsConfig decides how permission prompts are answered.
type PermissionsConfig struct {
	Default string           `json:"default" yaml:"default"` // "allow" or "deny"
	Rules   []PermissionRule `json:"rules,omitempty" yaml:"rules"`
}

// PermissionRule maps a permission name glob to an action.
type PermissionRule struct {
	Permission string `json:"permission" yaml:"permission"`
	Action     string `json:"action" yaml:"action"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: DriverSQLite,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentTasks: 3,
			ReconcileOnStart:   true,
		},
		Sandbox: SandboxConfig{
			Image:       "ghcr.io/sst/opencode:latest",
			AgentPort:   4096,
			HostIP:      "127.0.0.1",
			Command:     []string{"opencode", "serve", "--hostname", "0.0.0.0", "--port", "4096"},
			StopTimeout: 10 * time.Second,
			PullTimeout: 5 * time.Minute,
		},
		Runner: RunnerConfig{
			StartTimeout:          5 * time.Minute,
			HealthTimeout:         60 * time.Second,
			HealthInitialInterval: 250 * time.Millisecond,
			HealthMaxInterval:     5 * time.Second,
			CallTimeout:           30 * time.Second,
			HeartbeatInterval:     10 * time.Second,
			LeaseTTL:              time.Minute,
		},
		Agent: AgentConfig{
			Username:    "opencode",
			PasswordEnv: "OPENCODE_SERVER_PASSWORD",
		},
		Permissions: PermissionsConfig{
			Default: "allow",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults. Environment overrides are not applied; see ApplyEnv.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides config values from SANDCASTLE_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("SANDCASTLE_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := getenv("SANDCASTLE_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("SANDCASTLE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("SANDCASTLE_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := getenv("SANDCASTLE_MAX_CONCURRENT_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SANDCASTLE_MAX_CONCURRENT_TASKS: %w", err)
		}
		c.Orchestrator.MaxConcurrentTasks = n
	}
	return nil
}

// Validate reports every unusable value at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Orchestrator.MaxConcurrentTasks < 1 {
		errs = append(errs, errors.New("orchestrator.max_concurrent_tasks must be at least 1"))
	}
	if c.Sandbox.Image == "" {
		errs = append(errs, errors.New("sandbox.image is required"))
	}
	if c.Sandbox.AgentPort < 1 || c.Sandbox.AgentPort > 65535 {
		errs = append(errs, fmt.Errorf("sandbox.agent_port %d is out of range", c.Sandbox.AgentPort))
	}
	if c.Sandbox.MemoryLimit < 0 || c.Sandbox.CPULimit < 0 {
		errs = append(errs, errors.New("sandbox limits must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"runner.start_timeout":      c.Runner.StartTimeout,
		"runner.health_timeout":     c.Runner.HealthTimeout,
		"runner.call_timeout":       c.Runner.CallTimeout,
		"runner.heartbeat_interval": c.Runner.HeartbeatInterval,
		"runner.lease_ttl":          c.Runner.LeaseTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Runner.HeartbeatInterval > 0 && c.Runner.LeaseTTL < 2*c.Runner.HeartbeatInterval {
		errs = append(errs, errors.New("runner.lease_ttl must be at least twice runner.heartbeat_interval"))
	}
	if m := c.Agent.Model; m != nil && (m.ProviderID == "" || m.ModelID == "") {
		errs = append(errs, errors.New("agent.model needs both provider_id and model_id"))
	}
	switch strings.ToLower(c.Permissions.Default) {
	case "", "allow", "deny":
	default:
		errs = append(errs, fmt.Errorf("permissions.default %q must be allow or deny", c.Permissions.Default))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not recognised", c.LogLevel))
	}
	return errors.Join(errs...)
}
