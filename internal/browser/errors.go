package browser

import (
	"errors"
	"fmt"
)

var (
	ErrNoPortsAvailable   = errors.New("no ports available")
	ErrExecutableNotFound = errors.New("executable not found")
	ErrChannelClosed      = errors.New("channel closed")
	ErrBrowserNotFound    = errors.New("browser not found")
	ErrNoOutput           = errors.New("browser does not capture output")
)

// InvalidStateError is returned when attempting an invalid Browser state
// transition.
type InvalidStateError struct {
	from State
	to   State
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to State) InvalidStateError {
	return InvalidStateError{from, to}
}

// LaunchError is returned when the viewer for a workspace could not be
// spawned. The port of the Browser has been released when it is returned.
type LaunchError struct {
	Workspace string
	Err       error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch browser for %s: %v", e.Workspace, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
