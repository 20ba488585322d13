package agent

import (
	"log/slog"
)

// State is a lifecycle state of a supervised agent process
type State string

const (
	StateSpawning    State = "spawning"
	StateRunning     State = "running"
	StateTimedOut    State = "timed_out"
	StateStopping    State = "stopping"
	StateKilling     State = "killing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateStopped     State = "stopped"
	StateInterrupted State = "interrupted"
	StateTerminal    State = "terminal"
)

// transitions lists the states reachable from each state. A state with no
// entry (terminal) has no outgoing edges.
var transitions = map[State][]State{
	StateSpawning:    {StateRunning, StateFailed},
	StateRunning:     {StateTimedOut, StateCompleted, StateFailed, StateInterrupted, StateStopping},
	StateTimedOut:    {StateStopping},
	StateStopping:    {StateKilling, StateStopped},
	StateKilling:     {StateStopped},
	StateCompleted:   {StateTerminal},
	StateFailed:      {StateTerminal},
	StateStopped:     {StateTerminal},
	StateInterrupted: {StateTerminal},
	StateTerminal:    {},
}

// AllStates returns every lifecycle state in declaration order
func AllStates() []State {
	return []State{
		StateSpawning, StateRunning, StateTimedOut, StateStopping, StateKilling,
		StateCompleted, StateFailed, StateStopped, StateInterrupted, StateTerminal,
	}
}

// CanTransition reports whether the edge from -> to exists
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the states reachable from s
func AllowedTransitions(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// Stateful is the part of a handle the state machine mutates
type Stateful interface {
	AgentID() string
	State() State
	SetState(State)
	// CompareAndSwapState sets the state to next only if it currently equals old
	CompareAndSwapState(old, next State) bool
}

// TransitionHook is called after every successful transition
type TransitionHook func(agentID string, from, to State)

// StateMachine enforces the lifecycle edges on a single handle. It keeps no
// state of its own; the handle is the single source of truth.
type StateMachine struct {
	target Stateful
	logger *slog.Logger
	hook   TransitionHook
}

// NewStateMachine creates a state machine operating on target
func NewStateMachine(target Stateful, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{target: target, logger: logger}
}

// WithHook sets a hook invoked after every successful transition
func (m *StateMachine) WithHook(hook TransitionHook) *StateMachine {
	m.hook = hook
	return m
}

// CurrentState returns the handle's current state
func (m *StateMachine) CurrentState() State {
	return m.target.State()
}

// CanTransition reports whether the handle may move to target. It has no side effects.
func (m *StateMachine) CanTransition(target State) bool {
	return CanTransition(m.target.State(), target)
}

// Transition moves the handle to target if the edge is allowed. An invalid
// transition is logged and leaves the state unchanged.
func (m *StateMachine) Transition(target State) bool {
	var from State
	for {
		from = m.target.State()
		if !CanTransition(from, target) {
			m.logger.Warn("invalid state transition",
				"agent_id", m.target.AgentID(),
				"from", from,
				"to", target,
				"allowed", AllowedTransitions(from))
			return false
		}
		if m.target.CompareAndSwapState(from, target) {
			break
		}
	}

	m.logger.Info("state transition",
		"agent_id", m.target.AgentID(),
		"from", from,
		"to", target)

	if m.hook != nil {
		m.hook(m.target.AgentID(), from, target)
	}
	return true
}

// IsTerminal reports whether the handle reached the terminal state
func (m *StateMachine) IsTerminal() bool {
	return m.target.State() == StateTerminal
}

// Advance walks the handle through path, stopping at the first refused edge.
// It returns the number of transitions performed.
func (m *StateMachine) Advance(path ...State) int {
	for i, s := range path {
		if !m.Transition(s) {
			return i
		}
	}
	return len(path)
}
