package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_Lifecycle(t *testing.T) {
	var seen []State
	s := newStateMachine(func(st State) { seen = append(seen, st) })
	assert.Equal(t, StateIdle, s.Current())

	at := time.Date(2026, 5, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.begin())
	assert.Equal(t, StateSyncing, s.Current())
	s.finish(at, nil)
	assert.Equal(t, StateCompleted, s.Current())

	last, err := s.last()
	assert.Equal(t, at, last)
	assert.NoError(t, err)

	s.settle()
	assert.Equal(t, StateIdle, s.Current())
	assert.Equal(t, []State{StateSyncing, StateCompleted, StateIdle}, seen)
}

func TestStateMachine_InterruptedThenNextCycle(t *testing.T) {
	s := newStateMachine(nil)
	cause := errors.New("offline")

	require.NoError(t, s.begin())
	s.finish(time.Time{}, cause)
	assert.Equal(t, StateInterrupted, s.Current())
	_, err := s.last()
	assert.Equal(t, cause, err)

	// The next cycle settles the finished one first
	require.NoError(t, s.begin())
	assert.Equal(t, StateSyncing, s.Current())
}

func TestStateMachine_RejectsOverlappingCycles(t *testing.T) {
	s := newStateMachine(nil)
	require.NoError(t, s.begin())
	assert.Error(t, s.begin())
}

func TestStateMachine_FinishOutsideCycleIsIgnored(t *testing.T) {
	s := newStateMachine(nil)
	s.finish(time.Now(), nil)
	assert.Equal(t, StateIdle, s.Current())

	s.settle()
	assert.Equal(t, StateIdle, s.Current())
}

func TestFailureHub(t *testing.T) {
	h := newFailureHub()
	var a, b int
	cancelA := h.subscribe(func(*SyncError) { a++ })
	h.subscribe(func(*SyncError) { b++ })

	h.publish(&SyncError{Code: ErrCodeRejected})
	cancelA()
	h.publish(&SyncError{Code: ErrCodeRejected})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}
