// Package lifecycle implements the start/stop state machine shared by the
// runtime, pilot workers, and console listeners.
package lifecycle

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State is a phase of a component's life. A normal run passes through the
// phases in order; a start that fails moves from Starting directly to
// Stopped. TransitionTo does not check the order of transitions.
type State int

// The five phases, in order.
const (
	Init State = iota
	Starting
	Started
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Machine guards a State with a single mutex and condition variable. The
// zero value is not usable; call New.
type Machine struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State
	clock clock.Clock
}

// New returns a Machine in the Init state.
func New() *Machine {
	return NewWithClock(clock.New())
}

// NewWithClock returns a Machine using the given clock for timed waits.
func NewWithClock(c clock.Clock) *Machine {
	m := &Machine{state: Init, clock: c}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Running reports whether the machine is Starting or Started.
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Starting || m.state == Started
}

// Ready reports whether the machine is Started.
func (m *Machine) Ready() bool {
	return m.State() == Started
}

// CanBegin reports whether a begin is admissible (Init or Stopped).
func (m *Machine) CanBegin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Init || m.state == Stopped
}

// TransitionTo moves to the given state and wakes all waiters.
func (m *Machine) TransitionTo(s State) {
	m.mu.Lock()
	m.state = s
	m.cond.Broadcast()
	m.mu.Unlock()
}

// CompareAndTransition moves to next only if the current state is from.
func (m *Machine) CompareAndTransition(from, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = next
	m.cond.Broadcast()
	return true
}

// WaitFor blocks until the state is one of the given states.
func (m *Machine) WaitFor(states ...State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !stateIn(m.state, states) {
		m.cond.Wait()
	}
	return m.state
}

// WaitForTimeout blocks until the state is one of the given states or the
// timeout elapses, and reports whether the state matched.
func (m *Machine) WaitForTimeout(timeout time.Duration, states ...State) bool {
	deadline := m.clock.Now().Add(timeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	for !stateIn(m.state, states) {
		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			return false
		}
		m.waitWithTimeout(remaining)
	}
	return true
}

// waitWithTimeout waits on the condition for at most d. The mutex must be
// held. A timer goroutine broadcasts to bound the wait.
func (m *Machine) waitWithTimeout(d time.Duration) {
	timer := m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()
	m.cond.Wait()
}

func stateIn(s State, states []State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}
