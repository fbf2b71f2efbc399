package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nixpig/ocrdmonitor/internal/browser/cgroups"
	"github.com/nixpig/ocrdmonitor/internal/browser/output"
)

const (
	// DisplayBase is subtracted from a viewer's port to get its broadway
	// display number, so native viewers need ports from it upwards.
	DisplayBase = 8080

	// MetsFile is the marker file opened by the viewer.
	MetsFile = "mets.xml"

	stopTimeout = 5 * time.Second

	// The executables and mets file go through the environment rather than
	// the script text so paths are never interpreted by the shell.
	viewerScript = `"$OCRD_BROADWAYD" "$BROADWAY_DISPLAY" & "$OCRD_VIEWER" "$OCRD_METS"; kill $!`
)

// SubprocessConfig configures native viewers.
type SubprocessConfig struct {
	// Host is the scheme and host the viewers are reachable at, e.g.
	// "http://localhost".
	Host string

	// Viewer and Broadwayd are the names or paths of the viewer and the
	// broadway display server.
	Viewer    string
	Broadwayd string

	// CgroupRoot and Limits confine each viewer to its own cgroup when
	// Limits is not zero.
	CgroupRoot string
	Limits     *cgroups.Limits

	Logger *slog.Logger
}

func (c SubprocessConfig) withDefaults() SubprocessConfig {
	if c.Host == "" {
		c.Host = "http://localhost"
	}

	if c.Viewer == "" {
		c.Viewer = "browse-ocrd"
	}

	if c.Broadwayd == "" {
		c.Broadwayd = "broadwayd"
	}

	if c.CgroupRoot == "" {
		c.CgroupRoot = cgroups.DefaultRoot
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	return c
}

// SubprocessFactory creates Subprocess Browsers bound to ports from a pool.
type SubprocessFactory struct {
	ports  *PortPool
	config SubprocessConfig
}

func NewSubprocessFactory(ports *PortPool, config SubprocessConfig) *SubprocessFactory {
	return &SubprocessFactory{
		ports:  ports,
		config: config.withDefaults(),
	}
}

func (f *SubprocessFactory) Create(owner, workspace string) (Browser, error) {
	port, err := f.ports.Acquire()
	if err != nil {
		return nil, err
	}

	if port.Number() < DisplayBase {
		port.Release()
		return nil, fmt.Errorf("port %d has no broadway display, must be at least %d", port.Number(), DisplayBase)
	}

	return NewSubprocess(owner, workspace, port, f.config), nil
}

// Subprocess is a Browser running broadwayd and the viewer as a local
// process group. Its combined output is captured for streaming.
type Subprocess struct {
	owner     string
	workspace string
	port      *Port
	config    SubprocessConfig

	state    AtomicState
	cmd      *exec.Cmd
	streamer *output.Streamer
	cgroup   *cgroups.Group

	done chan struct{}
}

// NewSubprocess creates a Subprocess in StateCreated holding port.
func NewSubprocess(owner, workspace string, port *Port, config SubprocessConfig) *Subprocess {
	s := &Subprocess{
		owner:     owner,
		workspace: absPath(workspace),
		port:      port,
		config:    config.withDefaults(),
		done:      make(chan struct{}),
	}

	s.state.Store(StateCreated)

	return s
}

// Start spawns the viewer. Trying to start a Subprocess that is not in
// StateCreated returns an InvalidStateError. On failure the port is released
// and the Subprocess is stopped.
func (s *Subprocess) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(StateCreated, StateStarting) {
		return NewInvalidStateError(s.state.Load(), StateStarting)
	}

	viewer, err := exec.LookPath(s.config.Viewer)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, s.config.Viewer, err))
	}

	broadwayd, err := exec.LookPath(s.config.Broadwayd)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, s.config.Broadwayd, err))
	}

	display := ":" + strconv.Itoa(s.port.Number()-DisplayBase)

	// Not bound to ctx: the viewer outlives the request that launched it.
	cmd := exec.Command("/bin/sh", "-c", viewerScript)
	cmd.Dir = s.workspace
	cmd.Env = append(
		os.Environ(),
		"GDK_BACKEND=broadway",
		"BROADWAY_DISPLAY="+display,
		"OCRD_BROADWAYD="+broadwayd,
		"OCRD_VIEWER="+viewer,
		"OCRD_METS="+filepath.Join(s.workspace, MetsFile),
	)

	setProcessGroup(cmd)

	joined := false

	if !s.config.Limits.IsZero() {
		cg, err := cgroups.Create(s.config.CgroupRoot, s.port.String(), s.config.Limits)
		if err != nil {
			return s.fail(fmt.Errorf("create cgroup: %w", err))
		}

		s.cgroup = cg

		if fd := cg.FD(); fd != nil {
			joined = useCgroupFD(cmd, fd)
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return s.fail(fmt.Errorf("create os pipe: %w", err))
	}

	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()

		return s.fail(fmt.Errorf("start process: %w", err))
	}

	pw.Close()

	s.cmd = cmd
	s.streamer = output.NewStreamer(pr, s.done)

	if s.cgroup != nil && !joined {
		if err := s.cgroup.Join(cmd.Process.Pid); err != nil {
			s.config.Logger.Warn(
				"join cgroup",
				"port", s.port.Number(),
				"err", err,
			)
		}
	}

	logger := s.config.Logger.With(
		"owner", s.owner,
		"workspace", s.workspace,
		"port", s.port.Number(),
	)

	go s.streamer.ForwardLines(func(line string) {
		logger.Debug("viewer output", "line", line)
	})

	go func() {
		err := cmd.Wait()

		// Reap whatever the shell left behind in the group.
		kill(cmd.Process)

		s.cleanup()

		s.state.Store(StateStopped)
		close(s.done)

		logger.Debug("viewer exited", "err", err)
	}()

	// The viewer may already have exited, in which case it stays stopped.
	s.state.CompareAndSwap(StateStarting, StateRunning)

	logger.Info("viewer started", "pid", cmd.Process.Pid, "display", display)

	return nil
}

func (s *Subprocess) fail(err error) error {
	s.cleanup()
	s.state.Store(StateStopped)
	close(s.done)

	return &LaunchError{Workspace: s.workspace, Err: err}
}

func (s *Subprocess) cleanup() {
	if s.cgroup != nil {
		if err := s.cgroup.Destroy(); err != nil {
			s.config.Logger.Warn("destroy cgroup", "port", s.port.Number(), "err", err)
		}
	}

	s.port.Release()
}

// Stop terminates the viewer process group and waits for it to exit,
// killing it if it ignores SIGTERM for too long. Stopping a stopped
// Subprocess is a no-op.
func (s *Subprocess) Stop(ctx context.Context) error {
	if s.state.CompareAndSwap(StateCreated, StateStopped) {
		close(s.done)
		s.port.Release()

		return nil
	}

	switch s.state.Load() {
	case StateStopped:
		return nil
	case StateStarting:
		return NewInvalidStateError(StateStarting, StateStopping)
	}

	if s.state.CompareAndSwap(StateRunning, StateStopping) {
		if err := terminate(s.cmd.Process); err != nil {
			return fmt.Errorf("terminate viewer: %w", err)
		}
	}

	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := kill(s.cmd.Process); err != nil {
		return fmt.Errorf("kill viewer: %w", err)
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("viewer on port %d did not exit", s.port.Number())
	}
}

func (s *Subprocess) Owner() string {
	return s.owner
}

func (s *Subprocess) Workspace() string {
	return s.workspace
}

func (s *Subprocess) Port() int {
	return s.port.Number()
}

func (s *Subprocess) Address() string {
	return strings.TrimSuffix(s.config.Host, "/") + ":" + s.port.String()
}

func (s *Subprocess) State() State {
	return s.state.Load()
}

// Done returns a channel that is closed once the viewer has exited.
func (s *Subprocess) Done() <-chan struct{} {
	return s.done
}

func (s *Subprocess) OpenChannel(ctx context.Context) (Channel, error) {
	return DialWebSocket(ctx, s.Address()+"/socket")
}

// StreamOutput returns an io.ReadCloser of the viewer's combined output.
// Read returns all output since the viewer started and blocks waiting for
// new output.
func (s *Subprocess) StreamOutput() (io.ReadCloser, error) {
	if s.streamer == nil {
		return nil, ErrNoOutput
	}

	return s.streamer.Subscribe(), nil
}
