package session

import (
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateExecuting
	StateAwaitingInput
	StateExiting
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting:    "connecting",
	StateReady:         "ready",
	StateExecuting:     "executing",
	StateAwaitingInput: "awaiting_input",
	StateExiting:       "exiting",
	StateClosed:        "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

var transitions = map[State][]State{
	StateConnecting:    {StateReady, StateExiting},
	StateReady:         {StateExecuting, StateExiting},
	StateExecuting:     {StateReady, StateAwaitingInput, StateExiting},
	StateAwaitingInput: {StateExecuting, StateExiting},
	StateExiting:       {StateClosed},
}

// CanTransition reports whether a session in state s may move to state to.
func (s State) CanTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

type stateMachine struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	state State
}

func newStateMachine(log *zap.SugaredLogger) *stateMachine {
	return &stateMachine{log: log, state: StateConnecting}
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to state to if that is a legal move, and reports whether it did.
// Illegal moves are expected during teardown, when the executor finishes after the session started exiting.
func (m *stateMachine) transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == to {
		return true
	}
	if !m.state.CanTransition(to) {
		m.log.Debugw("ignoring state transition", "From", m.state, "To", to)
		return false
	}
	m.log.Debugw("state transition", "From", m.state, "To", to)
	m.state = to
	return true
}

// swap moves from state from to state to, and reports whether the session was in from.
func (m *stateMachine) swap(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.log.Debugw("state transition", "From", from, "To", to)
	m.state = to
	return true
}

func (m *stateMachine) exiting() bool {
	s := m.get()
	return s == StateExiting || s == StateClosed
}
