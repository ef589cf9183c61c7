// Package sandbox starts and stops the isolated Docker containers that host
// a coding-agent server for one task.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// State is the observed state of a container.
type State string

const (
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateNotFound State = "not_found"
)

// Config controls how sandbox containers are created.
type Config struct {
	AgentPort   int               // port the agent server listens on inside the container
	HostIP      string            // host interface the agent port is published on
	Cmd         []string          // command override; empty keeps the image default
	Env         map[string]string // extra environment for every container
	MemoryLimit int64             // bytes, 0 = unlimited
	CPULimit    float64           // cores, 0 = unlimited
	NetworkMode string
	StopTimeout time.Duration
	PullTimeout time.Duration
}

// StartOptions are per-container settings layered over Config.
type StartOptions struct {
	Name   string
	Env    map[string]string
	Labels map[string]string
}

// Instance identifies a started container and where its agent listens.
type Instance struct {
	ContainerID string
	Host        string
	Port        int
}

// BaseURL returns the agent server URL for the instance.
func (i *Instance) BaseURL() string {
	return "http://" + net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// dockerAPI is the subset of the Docker client the provider uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Provider manages task containers on a Docker daemon.
type Provider struct {
	mu        sync.Mutex
	client    dockerAPI
	cfg       Config
	available bool
	pulling   map[string]*sync.Mutex // image -> pull lock
}

// NewProvider connects to the Docker daemon described by the environment.
// If the daemon is unreachable the provider is returned unavailable and
// every operation fails.
func NewProvider(cfg Config) *Provider {
	p := newProvider(nil, cfg)

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return p
	}

	p.client = cli
	p.available = true
	return p
}

func newProvider(api dockerAPI, cfg Config) *Provider {
	if cfg.AgentPort == 0 {
		cfg.AgentPort = 4096
	}
	if cfg.HostIP == "" {
		cfg.HostIP = "127.0.0.1"
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.PullTimeout == 0 {
		cfg.PullTimeout = 5 * time.Minute
	}
	return &Provider{
		client:    api,
		cfg:       cfg,
		available: api != nil,
		pulling:   make(map[string]*sync.Mutex),
	}
}

// IsAvailable returns true if the Docker daemon is reachable.
func (p *Provider) IsAvailable() bool {
	return p.available
}

// Start creates and starts a container from img with the agent port
// published on an ephemeral host port.
func (p *Provider) Start(ctx context.Context, img string, opts StartOptions) (*Instance, error) {
	if !p.available {
		return nil, fmt.Errorf("sandbox: docker not available")
	}
	if img == "" {
		return nil, fmt.Errorf("sandbox: image is required")
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(p.cfg.AgentPort))
	if err != nil {
		return nil, fmt.Errorf("sandbox: agent port: %w", err)
	}

	var env []string
	for k, v := range p.cfg.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:        img,
		Env:          env,
		Labels:       opts.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	if len(p.cfg.Cmd) > 0 {
		containerCfg.Cmd = p.cfg.Cmd
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: p.cfg.HostIP, HostPort: ""}},
		},
	}
	if p.cfg.MemoryLimit > 0 {
		hostCfg.Memory = p.cfg.MemoryLimit
	}
	if p.cfg.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(p.cfg.CPULimit * 1e9)
	}
	if p.cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(p.cfg.NetworkMode)
	}

	resp, err := p.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if errdefs.IsNotFound(err) {
		if perr := p.pullImage(ctx, img); perr != nil {
			return nil, fmt.Errorf("sandbox: pull image %s: %w", img, perr)
		}
		resp, err = p.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.forceRemove(resp.ID)
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	info, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.forceRemove(resp.ID)
		return nil, fmt.Errorf("sandbox: inspect container: %w", err)
	}
	hostPort, err := publishedPort(resp.ID, info, port)
	if err != nil {
		p.forceRemove(resp.ID)
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	host := p.cfg.HostIP
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &Instance{ContainerID: resp.ID, Host: host, Port: hostPort}, nil
}

// Stop stops and removes a container. Stopping a container that is already
// gone is not an error.
func (p *Provider) Stop(ctx context.Context, containerID string) error {
	if !p.available {
		return fmt.Errorf("sandbox: docker not available")
	}
	if containerID == "" {
		return nil
	}

	timeout := int(p.cfg.StopTimeout.Seconds())
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("sandbox: stop %s: %w", shortID(containerID), err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			// Conflict means a removal is already in progress.
			return nil
		}
		return fmt.Errorf("sandbox: remove %s: %w", shortID(containerID), err)
	}
	return nil
}

// Status reports whether the container is running, stopped, or gone.
func (p *Provider) Status(ctx context.Context, containerID string) (State, error) {
	if !p.available {
		return "", fmt.Errorf("sandbox: docker not available")
	}
	info, err := p.client.ContainerInspect(ctx, containerID)
	if errdefs.IsNotFound(err) {
		return StateNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("sandbox: inspect %s: %w", shortID(containerID), err)
	}
	if info.ContainerJSONBase != nil && info.State != nil && info.State.Running {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Close closes the Docker client. Containers are left to their runners.
func (p *Provider) Close() error {
	if !p.available || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// pullImage pulls img, serializing concurrent pulls of the same image.
func (p *Provider) pullImage(ctx context.Context, img string) error {
	p.mu.Lock()
	lock, ok := p.pulling[img]
	if !ok {
		lock = &sync.Mutex{}
		p.pulling[img] = lock
	}
	p.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PullTimeout)
	defer cancel()

	reader, err := p.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Provider) forceRemove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func publishedPort(containerID string, info container.InspectResponse, port nat.Port) (int, error) {
	if info.NetworkSettings == nil {
		return 0, fmt.Errorf("container %s has no network settings", shortID(containerID))
	}
	for _, b := range info.NetworkSettings.Ports[port] {
		if b.HostPort == "" {
			continue
		}
		n, err := strconv.Atoi(b.HostPort)
		if err != nil {
			return 0, fmt.Errorf("parse host port %q: %w", b.HostPort, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("container %s did not publish port %s", shortID(containerID), port)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
