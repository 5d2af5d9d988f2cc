package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// State is the sync orchestrator's state.
type State string

const (
	StateIdle        State = "idle"
	StateSyncing     State = "syncing"
	StateCompleted   State = "completed"
	StateInterrupted State = "interrupted"
)

var states = []string{
	string(StateIdle),
	string(StateSyncing),
	string(StateCompleted),
	string(StateInterrupted),
}

// transitions is the orchestrator's lifecycle graph.
var transitions = map[State][]State{
	StateIdle:        {StateSyncing},
	StateSyncing:     {StateCompleted, StateInterrupted},
	StateCompleted:   {StateIdle},
	StateInterrupted: {StateIdle},
}

// stateMachine tracks the orchestrator state. A finished cycle stays
// completed or interrupted until the loop settles back to idle or the next
// cycle starts.
type stateMachine struct {
	mu       sync.Mutex
	state    State
	lastSync time.Time
	lastErr  error
	onChange func(State)
}

func newStateMachine(onChange func(State)) *stateMachine {
	return &stateMachine{state: StateIdle, onChange: onChange}
}

func (s *stateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stateMachine) transition(to State) error {
	if !slices.Contains(transitions[s.state], to) {
		return fmt.Errorf("illegal sync state transition %s -> %s", s.state, to)
	}
	s.state = to
	if s.onChange != nil {
		s.onChange(to)
	}
	return nil
}

// begin moves to syncing, settling a finished cycle first.
func (s *stateMachine) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompleted || s.state == StateInterrupted {
		if err := s.transition(StateIdle); err != nil {
			return err
		}
	}
	return s.transition(StateSyncing)
}

// finish ends a cycle as completed when err is nil, interrupted otherwise.
func (s *stateMachine) finish(at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	to := StateCompleted
	if err != nil {
		to = StateInterrupted
	}
	if s.transition(to) == nil {
		s.lastSync = at
		s.lastErr = err
	}
}

// settle returns a finished cycle to idle.
func (s *stateMachine) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompleted || s.state == StateInterrupted {
		_ = s.transition(StateIdle)
	}
}

func (s *stateMachine) last() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.lastErr
}

// failureHub fans surfaced failures out to UI subscribers.
type failureHub struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(*SyncError)
}

func newFailureHub() *failureHub {
	return &failureHub{subs: make(map[uint64]func(*SyncError))}
}

func (h *failureHub) subscribe(fn func(*SyncError)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *failureHub) publish(err *SyncError) {
	h.mu.Lock()
	fns := make([]func(*SyncError), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
