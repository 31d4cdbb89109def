// Package lifecycle is the per-connection state machine: a peer connects,
// asks to join a room, becomes active once admitted and ends disconnected.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State of a connection.
type State int

const (
	Connected State = iota
	Joining
	Active
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives a transition.
type Event int

const (
	JoinRequested Event = iota
	Admitted
	RoomFull
	JoinFailed
	Disconnect
)

func (e Event) String() string {
	switch e {
	case JoinRequested:
		return "join requested"
	case Admitted:
		return "admitted"
	case RoomFull:
		return "room full"
	case JoinFailed:
		return "join failed"
	case Disconnect:
		return "disconnect"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

var (
	ErrAlreadyJoined = errors.New("lifecycle: already joining or joined")
	ErrDisconnected  = errors.New("lifecycle: connection is disconnected")
	ErrInvalid       = errors.New("lifecycle: invalid transition")
)

// Next returns the state reached from s on e. On error the state is
// unchanged.
func Next(s State, e Event) (State, error) {
	if s == Disconnected {
		return s, ErrDisconnected
	}
	if e == Disconnect {
		return Disconnected, nil
	}
	switch s {
	case Connected:
		if e == JoinRequested {
			return Joining, nil
		}
	case Joining:
		switch e {
		case JoinRequested:
			return s, ErrAlreadyJoined
		case Admitted:
			return Active, nil
		case RoomFull, JoinFailed:
			return Connected, nil
		}
	case Active:
		if e == JoinRequested {
			return s, ErrAlreadyJoined
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalid, e, s)
}

// Machine holds the state of one connection and the room it is joining or
// has joined. It is safe for concurrent use.
type Machine struct {
	mu     sync.Mutex
	state  State
	room   string
	cancel context.CancelFunc
}

// New returns a machine in the Connected state.
func New() *Machine {
	return &Machine{state: Connected}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Room returns the joined room, or "" unless Active.
func (m *Machine) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return ""
	}
	return m.room
}

// BeginJoin moves to Joining for room. The returned context is cancelled if
// the connection disconnects before the join completes.
func (m *Machine) BeginJoin(parent context.Context, room string) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := Next(m.state, JoinRequested)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	m.state, m.room, m.cancel = next, room, cancel
	return ctx, nil
}

// Complete applies the outcome of a pending join (Admitted, RoomFull or
// JoinFailed). ErrDisconnected means the connection went away in the
// meantime; an Admitted outcome must then be undone by the caller.
func (m *Machine) Complete(outcome Event) (State, error) {
	if outcome != Admitted && outcome != RoomFull && outcome != JoinFailed {
		return m.State(), fmt.Errorf("%w: %s is not a join outcome", ErrInvalid, outcome)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := Next(m.state, outcome)
	if err != nil {
		return m.state, err
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if next == Connected {
		m.room = ""
	}
	m.state = next
	return next, nil
}

// Disconnect moves to the terminal state and cancels any pending join. It
// reports the state left and the room that was joined or being joined.
func (m *Machine) Disconnect() (prev State, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, room = m.state, m.room
	if prev == Disconnected {
		return prev, ""
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.state, m.room = Disconnected, ""
	return prev, room
}
