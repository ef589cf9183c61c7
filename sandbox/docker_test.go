package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker records calls and serves canned responses.
type fakeDocker struct {
	mu         sync.Mutex
	haveImage  bool
	created    []*container.Config
	hostCfgs   []*container.HostConfig
	started    []string
	stopped    []string
	removed    []string
	pulled     []string
	running    map[string]bool
	hostPort   string
	startErr   error
	stopErr    error
	inspectErr error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{haveImage: true, running: map[string]bool{}, hostPort: "49153"}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.haveImage {
		return container.CreateResponse{}, fmt.Errorf("no such image: %w", errdefs.ErrNotFound)
	}
	f.created = append(f.created, cfg)
	f.hostCfgs = append(f.hostCfgs, hostCfg)
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	f.running[id] = true
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return container.InspectResponse{}, f.inspectErr
	}
	running, ok := f.running[id]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container: %w", errdefs.ErrNotFound)
	}
	ports := nat.PortMap{}
	if f.hostPort != "" {
		ports["4096/tcp"] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: f.hostPort}}
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{Running: running, Status: "running"},
		},
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{Ports: ports},
		},
	}, nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.running[id]; !ok {
		return fmt.Errorf("no such container: %w", errdefs.ErrNotFound)
	}
	f.running[id] = false
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return fmt.Errorf("no such container: %w", errdefs.ErrNotFound)
	}
	delete(f.running, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.haveImage = true
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) Close() error { return nil }

func TestProvider_Unavailable(t *testing.T) {
	p := newProvider(nil, Config{})
	if p.IsAvailable() {
		t.Fatal("expected IsAvailable() to be false without a client")
	}
	ctx := context.Background()
	if _, err := p.Start(ctx, "alpine", StartOptions{}); err == nil {
		t.Error("Start: expected error when docker is unavailable")
	}
	if err := p.Stop(ctx, "abc"); err == nil {
		t.Error("Stop: expected error when docker is unavailable")
	}
	if _, err := p.Status(ctx, "abc"); err == nil {
		t.Error("Status: expected error when docker is unavailable")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestProvider_Start(t *testing.T) {
	fd := newFakeDocker()
	p := newProvider(fd, Config{MemoryLimit: 512 << 20, CPULimit: 1.5, Env: map[string]string{"A": "1"}})

	inst, err := p.Start(context.Background(), "ghcr.io/sst/opencode", StartOptions{
		Name:   "sandcastle-t1",
		Env:    map[string]string{"B": "2"},
		Labels: map[string]string{"sandcastle.task_id": "t1"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.ContainerID != "0123456789abcdef0123" || inst.Port != 49153 || inst.Host != "127.0.0.1" {
		t.Errorf("Instance = %+v", inst)
	}
	if got := inst.BaseURL(); got != "http://127.0.0.1:49153" {
		t.Errorf("BaseURL = %q", got)
	}

	cfg := fd.created[0]
	if _, ok := cfg.ExposedPorts["4096/tcp"]; !ok {
		t.Errorf("ExposedPorts = %v, want 4096/tcp", cfg.ExposedPorts)
	}
	if len(cfg.Env) != 2 {
		t.Errorf("Env = %v, want 2 entries", cfg.Env)
	}
	if cfg.Labels["sandcastle.task_id"] != "t1" {
		t.Errorf("Labels = %v", cfg.Labels)
	}
	hc := fd.hostCfgs[0]
	if hc.Memory != 512<<20 || hc.NanoCPUs != 1_500_000_000 {
		t.Errorf("resources = %d mem, %d cpu", hc.Memory, hc.NanoCPUs)
	}
	if b := hc.PortBindings["4096/tcp"]; len(b) != 1 || b[0].HostIP != "127.0.0.1" {
		t.Errorf("PortBindings = %v", hc.PortBindings)
	}
}

func TestProvider_Start_PullsMissingImage(t *testing.T) {
	fd := newFakeDocker()
	fd.haveImage = false
	p := newProvider(fd, Config{})

	if _, err := p.Start(context.Background(), "alpine:3", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(fd.pulled) != 1 || fd.pulled[0] != "alpine:3" {
		t.Errorf("pulled = %v, want [alpine:3]", fd.pulled)
	}
}

func TestProvider_Start_FailureRemovesContainer(t *testing.T) {
	fd := newFakeDocker()
	fd.startErr = errors.New("boom")
	p := newProvider(fd, Config{})

	if _, err := p.Start(context.Background(), "alpine", StartOptions{}); err == nil {
		t.Fatal("expected start error")
	}

	fd = newFakeDocker()
	fd.hostPort = ""
	p = newProvider(fd, Config{})
	if _, err := p.Start(context.Background(), "alpine", StartOptions{}); err == nil {
		t.Fatal("expected error when no port is published")
	}
	if len(fd.removed) != 1 {
		t.Errorf("removed = %v, want container removed after failed start", fd.removed)
	}
}

func TestProvider_StopIsIdempotent(t *testing.T) {
	fd := newFakeDocker()
	p := newProvider(fd, Config{})
	ctx := context.Background()

	inst, err := p.Start(ctx, "alpine", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(ctx, inst.ContainerID); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := p.Stop(ctx, inst.ContainerID); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := p.Stop(ctx, "unknown"); err != nil {
		t.Errorf("Stop unknown: %v", err)
	}
	if err := p.Stop(ctx, ""); err != nil {
		t.Errorf("Stop empty id: %v", err)
	}
	if len(fd.removed) != 1 {
		t.Errorf("removed = %v, want exactly one removal", fd.removed)
	}
}

func TestProvider_StopPropagatesDaemonErrors(t *testing.T) {
	fd := newFakeDocker()
	p := newProvider(fd, Config{})
	ctx := context.Background()

	inst, err := p.Start(ctx, "alpine", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	fd.stopErr = errors.New("daemon hiccup")
	if err := p.Stop(ctx, inst.ContainerID); err == nil {
		t.Error("expected stop error to propagate")
	}
}

func TestProvider_Status(t *testing.T) {
	fd := newFakeDocker()
	p := newProvider(fd, Config{})
	ctx := context.Background()

	inst, err := p.Start(ctx, "alpine", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	tests := []struct {
		name string
		prep func()
		want State
	}{
		{"running", func() {}, StateRunning},
		{"stopped", func() { fd.running[inst.ContainerID] = false }, StateStopped},
		{"gone", func() { delete(fd.running, inst.ContainerID) }, StateNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.prep()
			got, err := p.Status(ctx, inst.ContainerID)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if got != tt.want {
				t.Errorf("Status = %q, want %q", got, tt.want)
			}
		})
	}

	fd.inspectErr = errors.New("daemon down")
	if _, err := p.Status(ctx, inst.ContainerID); err == nil {
		t.Error("expected inspect error to propagate")
	}
}
