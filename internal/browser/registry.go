package browser

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// Registry is responsible for launching and tracking running Browsers.
// Every Browser in the Registry is running; Browsers whose viewer exited on
// its own are dropped on the next access.
type Registry struct {
	// NOTE: Launch holds mu while the viewer is spawned so that two
	// concurrent launches for the same owner and workspace cannot both
	// create a Browser. Stopping happens outside of mu.
	browsers []Browser
	factory  Factory

	mu sync.Mutex
}

// NewRegistry creates an empty Registry that creates Browsers with factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Launch returns the running Browser owned by owner in workspace, creating
// and starting one if there is none. On failure the Registry is unchanged.
func (r *Registry) Launch(
	ctx context.Context,
	owner string,
	workspace string,
) (Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()

	b, err := Launch(ctx, workspace, owner, r.factory, r.browsers)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(r.browsers, b) {
		r.browsers = append(r.browsers, b)
	}

	return b, nil
}

// StopOwnedInWorkspace removes the Browsers owned by owner in workspace from
// the Registry, stops them, and returns them.
func (r *Registry) StopOwnedInWorkspace(
	ctx context.Context,
	owner string,
	workspace string,
) ([]Browser, error) {
	r.mu.Lock()
	matching := InSameWorkspace(workspace, FilterOwned(owner, r.browsers))
	r.remove(matching)
	r.mu.Unlock()

	return matching, StopAll(ctx, matching)
}

// StopOwnedInOtherWorkspaces removes the Browsers owned by owner that are not
// in workspace from the Registry, stops them, and returns them.
func (r *Registry) StopOwnedInOtherWorkspaces(
	ctx context.Context,
	owner string,
	workspace string,
) ([]Browser, error) {
	r.mu.Lock()
	matching := InOtherWorkspaces(workspace, FilterOwned(owner, r.browsers))
	r.remove(matching)
	r.mu.Unlock()

	return matching, StopAll(ctx, matching)
}

// Find returns the running Browser owned by owner in workspace or
// ErrBrowserNotFound if it doesn't exist.
func (r *Registry) Find(owner, workspace string) (Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()

	matching := InSameWorkspace(workspace, FilterOwned(owner, r.browsers))
	if len(matching) == 0 {
		return nil, ErrBrowserNotFound
	}

	return matching[0], nil
}

// Browsers returns a snapshot of the running Browsers.
func (r *Registry) Browsers() []Browser {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()

	return slices.Clone(r.browsers)
}

// Shutdown makes a 'best effort' attempt to stop every Browser in the
// Registry and empties it.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	browsers := r.browsers
	r.browsers = nil
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(browsers))
	)

	for i, b := range browsers {
		wg.Go(func() {
			errs[i] = b.Stop(ctx)
		})
	}

	wg.Wait()

	return errors.Join(errs...)
}

// prune drops Browsers that are no longer running. Must hold mu.
func (r *Registry) prune() {
	r.browsers = slices.DeleteFunc(r.browsers, func(b Browser) bool {
		return b.State() != StateRunning
	})
}

// remove drops the given Browsers. Must hold mu.
func (r *Registry) remove(browsers []Browser) {
	r.browsers = slices.DeleteFunc(r.browsers, func(b Browser) bool {
		return slices.Contains(browsers, b)
	})
}
