package realtime

import (
	"fmt"
	"slices"
	"sync"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSyncing      State = "syncing"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
)

// AllStates lists every state, in lifecycle order.
var AllStates = []State{StateDisconnected, StateConnecting, StateSyncing, StateConnected, StateDegraded}

// validTransitions defines allowed state transitions. Degraded means the
// fallback transport carries traffic while the duplex connection is
// retried in the background, so a background dial does not leave it
// until it succeeds.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateDegraded},
	StateConnecting:   {StateSyncing, StateDisconnected, StateDegraded},
	StateSyncing:      {StateConnected, StateDisconnected, StateDegraded},
	StateConnected:    {StateDisconnected, StateDegraded},
	StateDegraded:     {StateSyncing, StateDisconnected},
}

// StateChange is published on every transition. Terminal changes report
// a condition that stops automatic reconnection; From and To are equal
// when the terminal report does not move the state.
type StateChange struct {
	From     State
	To       State
	Err      error
	Terminal bool
}

// machine tracks and enforces connection state transitions. Only the
// manager's event loop transitions it; Current may be read from anywhere.
type machine struct {
	mu      sync.RWMutex
	current State
}

func newMachine() *machine {
	return &machine{current: StateDisconnected}
}

// Current returns the current state.
func (m *machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}

// transition moves to a new state and returns the previous one.
func (m *machine) transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return m.current, fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}

	from := m.current
	m.current = to

	return from, nil
}
