package browser

import "sync/atomic"

type State int

const (
	// StateUnknown indicates the state of the browser is unknown. It's used as
	// the zero value for functions that return a (possibly absent) State.
	StateUnknown State = iota

	// StateCreated indicates the browser has been bound to a port but the
	// viewer has not been started.
	StateCreated

	// StateStarting indicates Start() has been called but the viewer has not
	// yet been spawned.
	StateStarting

	// StateRunning indicates the viewer has been spawned and is reachable at
	// the browser's address.
	StateRunning

	// StateStopping indicates the viewer has been asked to terminate but has
	// not yet exited.
	StateStopping

	// StateStopped is terminal. The port of the browser has been released and
	// a new browser must be created to view the workspace again.
	StateStopped
)

// NOTE: This slice needs to be kept in sync with any changes to the State
// values.
var states = []string{
	"Unknown",
	"Created",
	"Starting",
	"Running",
	"Stopping",
	"Stopped",
}

// String implements the Stringer interface for State.
func (s State) String() string {
	if int(s) < 0 || int(s) >= len(states) {
		return states[0]
	}

	return states[s]
}

// AtomicState is a wrapper around an atomic.Int32 to provide atomic
// operations on a State. Transitions are validated with CompareAndSwap.
type AtomicState struct {
	v atomic.Int32
}

// Load atomically loads the State value.
func (a *AtomicState) Load() State {
	return State(a.v.Load())
}

// Store atomically stores the State value.
func (a *AtomicState) Store(s State) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new State.
func (a *AtomicState) CompareAndSwap(o, n State) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
