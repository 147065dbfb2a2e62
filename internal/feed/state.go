package feed

import (
	"fmt"
	"sync"
	"time"
)

type State uint8

const (
	Disconnected State = iota
	Connecting
	Live
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status is one committed value of the state machine. State and Cause are
// always read and written together.
type Status struct {
	State State
	Cause error // non-nil only for Failed
	Since time.Time
	Seq   uint64 // bumps on every commit
}

// transitions[from] lists the states reachable from `from`.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Live, Failed, Disconnected},
	Live:         {Failed, Disconnected},
	Failed:       {Connecting, Disconnected},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConnState is the only value shared between the caller, the receive loop and
// the supervisor. Every read and write goes through mu.
type ConnState struct {
	mu      sync.Mutex
	cur     Status
	changed chan struct{} // closed and replaced on every commit

	onCommit func(from, to Status)
}

func NewConnState() *ConnState {
	return &ConnState{
		cur:     Status{State: Disconnected, Since: time.Now()},
		changed: make(chan struct{}),
	}
}

// Load returns the most recently committed status.
func (s *ConnState) Load() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Watch returns the current status and a channel that is closed on the next commit.
func (s *ConnState) Watch() (Status, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur, s.changed
}

// Transition moves to `to` from whatever the current state is, if allowed.
func (s *ConnState) Transition(to State, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(s.cur.State, to, cause)
}

// CompareAndTransition moves from `from` to `to` only if the current state is `from`.
func (s *ConnState) CompareAndTransition(from, to State, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.State != from {
		return false
	}
	return s.commitLocked(from, to, cause) == nil
}

func (s *ConnState) commitLocked(from, to State, cause error) error {
	if !allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == Failed && cause == nil {
		return fmt.Errorf("%w: %s -> failed without cause", ErrInvalidTransition, from)
	}
	if to != Failed {
		cause = nil
	}

	prev := s.cur
	s.cur = Status{State: to, Cause: cause, Since: time.Now(), Seq: prev.Seq + 1}
	close(s.changed)
	s.changed = make(chan struct{})

	if s.onCommit != nil {
		s.onCommit(prev, s.cur)
	}
	return nil
}
