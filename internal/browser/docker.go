package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// ContainerPort is the port the viewer image serves on.
const ContainerPort = 8085

var invalidContainerName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// DockerConfig configures containerised viewers.
type DockerConfig struct {
	Host   string
	Image  string
	Docker string
	Logger *slog.Logger
}

func (c DockerConfig) withDefaults() DockerConfig {
	if c.Host == "" {
		c.Host = "http://localhost"
	}

	if c.Image == "" {
		c.Image = "ocrd-browser:latest"
	}

	if c.Docker == "" {
		c.Docker = "docker"
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	return c
}

// DockerFactory creates Container Browsers bound to ports from a pool and
// tracks the containers they run, so they can all be stopped on shutdown.
type DockerFactory struct {
	ports  *PortPool
	config DockerConfig

	containers []string
	mu         sync.Mutex
}

func NewDockerFactory(ports *PortPool, config DockerConfig) *DockerFactory {
	return &DockerFactory{
		ports:  ports,
		config: config.withDefaults(),
	}
}

func (f *DockerFactory) Create(owner, workspace string) (Browser, error) {
	port, err := f.ports.Acquire()
	if err != nil {
		return nil, err
	}

	c := &Container{
		owner:     owner,
		workspace: absPath(workspace),
		port:      port,
		factory:   f,
	}

	c.name = containerName(owner, c.workspace, port.Number())
	c.state.Store(StateCreated)

	return c, nil
}

// Containers returns the ids of the containers started and not yet stopped.
func (f *DockerFactory) Containers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.containers)
}

// StopAll stops every container started by the factory.
func (f *DockerFactory) StopAll(ctx context.Context) error {
	f.mu.Lock()
	ids := f.containers
	f.containers = nil
	f.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	out, err := exec.CommandContext(
		ctx,
		f.config.Docker,
		append([]string{"stop"}, ids...)...,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker stop failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	return nil
}

func (f *DockerFactory) track(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.containers = append(f.containers, id)
}

func (f *DockerFactory) untrack(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.containers = slices.DeleteFunc(f.containers, func(c string) bool {
		return c == id
	})
}

// Container is a Browser running the viewer image in a docker container with
// the workspace mounted at /data.
type Container struct {
	owner     string
	workspace string
	port      *Port
	factory   *DockerFactory

	name  string
	id    string
	state AtomicState
}

func (c *Container) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(StateCreated, StateStarting) {
		return NewInvalidStateError(c.state.Load(), StateStarting)
	}

	config := c.factory.config

	docker, err := exec.LookPath(config.Docker)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, config.Docker, err))
	}

	out, err := exec.CommandContext(
		ctx,
		docker,
		"run", "--rm", "-d",
		"--name", c.name,
		"-v", c.workspace+":/data",
		"-p", fmt.Sprintf("%d:%d", c.port.Number(), ContainerPort),
		config.Image,
	).CombinedOutput()
	if err != nil {
		return c.fail(fmt.Errorf("docker run failed: %s: %w", strings.TrimSpace(string(out)), err))
	}

	c.id = strings.TrimSpace(string(out))
	c.factory.track(c.id)

	c.state.Store(StateRunning)

	config.Logger.Info(
		"viewer container started",
		"owner", c.owner,
		"workspace", c.workspace,
		"port", c.port.Number(),
		"container", c.id,
	)

	return nil
}

func (c *Container) fail(err error) error {
	c.port.Release()
	c.state.Store(StateStopped)

	return &LaunchError{Workspace: c.workspace, Err: err}
}

// Stop stops the container. When docker fails to stop it the port is kept,
// since the container may still be bound to it, and the Container stays
// running so Stop can be retried.
func (c *Container) Stop(ctx context.Context) error {
	if c.state.CompareAndSwap(StateCreated, StateStopped) {
		c.port.Release()
		return nil
	}

	if !c.state.CompareAndSwap(StateRunning, StateStopping) {
		return nil
	}

	out, err := exec.CommandContext(ctx, c.factory.config.Docker, "stop", c.name).CombinedOutput()
	if err != nil {
		c.state.Store(StateRunning)
		return fmt.Errorf("docker stop failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	c.factory.untrack(c.id)
	c.port.Release()
	c.state.Store(StateStopped)

	return nil
}

func (c *Container) Owner() string {
	return c.owner
}

func (c *Container) Workspace() string {
	return c.workspace
}

func (c *Container) Port() int {
	return c.port.Number()
}

// ID returns the container id reported by docker run.
func (c *Container) ID() string {
	return c.id
}

// Name returns the container name.
func (c *Container) Name() string {
	return c.name
}

func (c *Container) Address() string {
	return strings.TrimSuffix(c.factory.config.Host, "/") + ":" + c.port.String()
}

func (c *Container) State() State {
	return c.state.Load()
}

func (c *Container) OpenChannel(ctx context.Context) (Channel, error) {
	return DialWebSocket(ctx, c.Address()+"/socket")
}

func containerName(owner, workspace string, port int) string {
	name := fmt.Sprintf("ocrd-browser-%s-%s-%d", owner, filepath.Base(workspace), port)

	return invalidContainerName.ReplaceAllString(name, "-")
}
