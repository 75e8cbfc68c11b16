// Package loading drives the startup sequence through its state machine:
// device enumeration, restoring the saved frozen set, then registering
// volume watchers.
package loading

import (
	"log/slog"
	"sync"
)

// State is a startup phase.
type State string

const (
	// StateNotStarted is the initial state and the reset target.
	StateNotStarted State = "not_started"
	// StateEnumerating indicates the first device scan is running.
	StateEnumerating State = "enumerating"
	// StateRestoringSavedState indicates persisted frozen devices are
	// being re-applied.
	StateRestoringSavedState State = "restoring_saved_state"
	// StateRegisteringWatchers indicates volume change watchers are being
	// attached.
	StateRegisteringWatchers State = "registering_volume_watchers"
	// StateReady indicates startup completed.
	StateReady State = "ready"
)

// next lists the legal successors of each state. Startup walks the
// phases in order; a pure refresh may skip restore and jump from
// enumerating straight to ready, and a new enumeration request may
// interrupt the restore and watcher phases or restart from ready.
var next = map[State][]State{
	StateNotStarted:          {StateEnumerating},
	StateEnumerating:         {StateRestoringSavedState, StateReady},
	StateRestoringSavedState: {StateRegisteringWatchers, StateEnumerating},
	StateRegisteringWatchers: {StateReady, StateEnumerating},
	StateReady:               {StateEnumerating},
}

// Machine tracks the startup state and rejects transitions outside the
// transition table.
type Machine struct {
	mu    sync.Mutex
	state State

	// OnStateChanged fires after every accepted transition, outside the
	// machine's lock.
	OnStateChanged func(from, to State)
}

// NewMachine creates a machine in not_started.
func NewMachine() *Machine {
	return &Machine{state: StateNotStarted}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Advance moves to the requested state if it is a legal successor of
// the current one. An out-of-order request is refused and logged, never
// applied.
func (m *Machine) Advance(to State) bool {
	m.mu.Lock()
	from := m.state
	if !legalTransition(from, to) {
		m.mu.Unlock()
		slog.Warn("Illegal startup transition refused", "from", from, "to", to)
		return false
	}
	m.state = to
	fn := m.OnStateChanged
	m.mu.Unlock()

	slog.Info("Startup state changed", "from", from, "to", to)
	if fn != nil {
		fn(from, to)
	}
	return true
}

func legalTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reset returns the machine to not_started from any state.
func (m *Machine) Reset() {
	m.mu.Lock()
	from := m.state
	if from == StateNotStarted {
		m.mu.Unlock()
		return
	}
	m.state = StateNotStarted
	fn := m.OnStateChanged
	m.mu.Unlock()

	slog.Info("Startup state reset", "from", from)
	if fn != nil {
		fn(from, StateNotStarted)
	}
}

// Ready reports whether startup completed.
func (m *Machine) Ready() bool {
	return m.State() == StateReady
}
