package stream

import "sync"

// State is the lifecycle of a channel. It only moves forward:
// Connecting -> Open -> Closed | Errored. Closed and Errored are terminal.
type State int32

const (
	Connecting State = iota
	Open
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Closed || s == Errored
}

type stateMachine struct {
	mu       sync.Mutex
	state    State
	onChange func(State)
}

// transition moves to next if that is a forward step and reports whether
// the state changed. The observer is called outside the lock.
func (m *stateMachine) transition(next State) bool {
	m.mu.Lock()
	cur := m.state
	ok := !cur.Terminal() && next > cur
	if ok {
		m.state = next
	}
	cb := m.onChange
	m.mu.Unlock()

	if ok && cb != nil {
		cb(next)
	}
	return ok
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
