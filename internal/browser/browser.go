package browser

import (
	"context"
	"errors"
	"io"
	"path/filepath"
)

// Browser is a viewer for a single workspace owned by a single session.
type Browser interface {
	Owner() string
	Workspace() string

	// Address returns the URL at which the viewer's HTTP and WebSocket
	// endpoint is reachable. Only meaningful once started.
	Address() string

	State() State
	Start(ctx context.Context) error

	// Stop terminates the viewer and releases its port. Stopping a stopped
	// Browser is a no-op.
	Stop(ctx context.Context) error

	// OpenChannel connects to the viewer's socket endpoint. The caller must
	// close the returned Channel.
	OpenChannel(ctx context.Context) (Channel, error)
}

// OutputStreamer is implemented by Browsers that capture viewer output.
type OutputStreamer interface {
	// StreamOutput returns an io.ReadCloser of the viewer's combined output
	// since it was started. Read blocks waiting for new output.
	StreamOutput() (io.ReadCloser, error)
}

// Factory creates Browsers. Create binds the Browser to a freshly acquired
// port and returns ErrNoPortsAvailable when there is none. The Browser is
// not started.
type Factory interface {
	Create(owner, workspace string) (Browser, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(owner, workspace string) (Browser, error)

func (f FactoryFunc) Create(owner, workspace string) (Browser, error) {
	return f(owner, workspace)
}

// Launch returns the Browser in running owned by owner in workspace, or
// creates and starts a new one with factory. A new Browser is not added to
// running; that is the responsibility of the caller.
func Launch(
	ctx context.Context,
	workspace string,
	owner string,
	factory Factory,
	running []Browser,
) (Browser, error) {
	inWorkspace := InSameWorkspace(workspace, FilterOwned(owner, running))
	if len(inWorkspace) > 0 {
		return inWorkspace[0], nil
	}

	b, err := factory.Create(owner, workspace)
	if err != nil {
		return nil, err
	}

	if err := b.Start(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

// FilterOwned returns the browsers owned by owner.
func FilterOwned(owner string, browsers []Browser) []Browser {
	var owned []Browser

	for _, b := range browsers {
		if b.Owner() == owner {
			owned = append(owned, b)
		}
	}

	return owned
}

// InSameWorkspace returns the browsers whose workspace is workspace, compared
// as absolute paths.
func InSameWorkspace(workspace string, browsers []Browser) []Browser {
	workspace = absPath(workspace)

	var same []Browser

	for _, b := range browsers {
		if absPath(b.Workspace()) == workspace {
			same = append(same, b)
		}
	}

	return same
}

// InOtherWorkspaces returns the browsers not in InSameWorkspace.
func InOtherWorkspaces(workspace string, browsers []Browser) []Browser {
	workspace = absPath(workspace)

	var other []Browser

	for _, b := range browsers {
		if absPath(b.Workspace()) != workspace {
			other = append(other, b)
		}
	}

	return other
}

// StopAll stops every browser, returning the joined errors of those that
// failed to stop.
func StopAll(ctx context.Context, browsers []Browser) error {
	var errs []error

	for _, b := range browsers {
		if err := b.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// StopOwnedInWorkspace stops the browsers owned by owner in workspace and
// returns them so they can be removed from the set of running browsers.
func StopOwnedInWorkspace(
	ctx context.Context,
	owner string,
	workspace string,
	browsers []Browser,
) ([]Browser, error) {
	inWorkspace := InSameWorkspace(workspace, FilterOwned(owner, browsers))

	return inWorkspace, StopAll(ctx, inWorkspace)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}

	return abs
}
