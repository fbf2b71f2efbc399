// Package cgroups confines viewer processes to a cgroup v2 group with optional
// CPU, memory and I/O ceilings.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultRoot is the cgroup v2 unified hierarchy mount point.
	DefaultRoot = "/sys/fs/cgroup"

	// Prefix is prepended to every group created for a viewer.
	Prefix = "ocrdmonitor-"

	cpuPeriodMicros = 100000
	procMountinfo   = "/proc/self/mountinfo"
)

// ErrInvalidRoot is returned when the given root is not a cgroup v2
// hierarchy.
var ErrInvalidRoot = errors.New("invalid cgroup root")

// Limits holds the ceilings applied to a viewer group. Zero values are left
// unset.
type Limits struct {
	CPUMaxPercent  int64
	MemoryMaxBytes int64
	IOMaxBPS       int64
}

// IsZero reports whether no limit is configured.
func (l *Limits) IsZero() bool {
	return l == nil || (l.CPUMaxPercent <= 0 && l.MemoryMaxBytes <= 0 && l.IOMaxBPS <= 0)
}

// Group is a single cgroup directory holding the processes of one viewer.
type Group struct {
	name string
	path string
	fd   *os.File
}

// Create makes the group Prefix+name under root and writes the limits into
// its interface files.
func Create(root, name string, limits *Limits) (*Group, error) {
	g := &Group{
		name: name,
		path: filepath.Join(root, Prefix+name),
	}

	if err := os.MkdirAll(g.path, 0755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if limits != nil {
		if err := g.apply(limits); err != nil {
			os.RemoveAll(g.path)
			return nil, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}

	// Only a real hierarchy can be handed to clone3 as the target group.
	if root == DefaultRoot {
		fd, err := os.Open(g.path)
		if err != nil {
			os.RemoveAll(g.path)
			return nil, fmt.Errorf("open cgroup dir: %w", err)
		}

		g.fd = fd
	}

	return g, nil
}

func (g *Group) apply(limits *Limits) error {
	if limits.CPUMaxPercent > 0 {
		quota := (limits.CPUMaxPercent * cpuPeriodMicros) / 100

		if err := g.write("cpu.max", fmt.Sprintf("%d %d", quota, cpuPeriodMicros)); err != nil {
			return err
		}
	}

	if limits.MemoryMaxBytes > 0 {
		if err := g.write("memory.max", strconv.FormatInt(limits.MemoryMaxBytes, 10)); err != nil {
			return err
		}
	}

	if limits.IOMaxBPS > 0 {
		device, err := rootDevice()
		if err != nil {
			return fmt.Errorf("detect root device: %w", err)
		}

		value := fmt.Sprintf("%s rbps=%d wbps=%d", device, limits.IOMaxBPS, limits.IOMaxBPS)
		if err := g.write("io.max", value); err != nil {
			return err
		}
	}

	return nil
}

func (g *Group) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(g.path, file), []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}

// Join moves the process with the given pid into the group. Children forked
// afterwards inherit the membership.
func (g *Group) Join(pid int) error {
	if err := g.write("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("add process to cgroup: %w", err)
	}

	return nil
}

// Destroy removes the group. The kernel refuses while processes remain.
func (g *Group) Destroy() error {
	if g.fd != nil {
		g.fd.Close()
		g.fd = nil
	}

	if err := os.RemoveAll(g.path); err != nil {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

// FD returns the open group directory, or nil when the group was not created
// under DefaultRoot.
func (g *Group) FD() *os.File {
	return g.fd
}

func (g *Group) Name() string {
	return g.name
}

func (g *Group) Path() string {
	return g.path
}

// ValidateRoot checks root exposes cgroup.controllers.
func ValidateRoot(root string) error {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRoot, root, err)
	}

	return nil
}

func rootDevice() (string, error) {
	mountinfo, err := os.ReadFile(procMountinfo)
	if err != nil {
		return "", fmt.Errorf("read mountinfo: %w", err)
	}

	for line := range strings.SplitSeq(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		if fields[4] == "/" {
			return fields[2], nil
		}
	}

	return "", fmt.Errorf("no root mount in %s", procMountinfo)
}
