package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncError_Error(t *testing.T) {
	err := &SyncError{
		Code:       ErrCodeRejected,
		Message:    "hole_1 exceeds maximum",
		MutationID: "m-1",
		Err:        errors.New("validator"),
	}
	assert.Equal(t, "REJECTED_MUTATION: hole_1 exceeds maximum (mutation=m-1): validator", err.Error())
}

func TestSyncError_UnwrapAndPredicates(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := fmt.Errorf("enqueue: %w", storageError("write", cause))

	assert.True(t, IsStorageError(wrapped))
	assert.False(t, IsTransientError(wrapped))
	assert.ErrorIs(t, wrapped, cause)
}

func TestErrorCode_Surfaced(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrCodeTransient, false},
		{ErrCodeRejected, true},
		{ErrCodeConflictResolved, false},
		{ErrCodeIrreversible, true},
		{ErrCodeStorage, true},
		{ErrCodeInterrupted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.Surfaced())
		})
	}
}

func TestFailReason_RoundTrip(t *testing.T) {
	code, msg := parseFailReason(failReason(ErrCodeIrreversible, "status=disqualified: needs committee"))
	assert.Equal(t, ErrCodeIrreversible, code)
	assert.Equal(t, "status=disqualified: needs committee", msg)
	assert.Equal(t, ActionDiscard, defaultAction(code))

	// Reasons written by a bare retry bump read as transient
	code, msg = parseFailReason("submit b-1: remote unavailable")
	assert.Equal(t, ErrCodeTransient, code)
	assert.Equal(t, "submit b-1: remote unavailable", msg)
	assert.Equal(t, ActionRetry, defaultAction(code))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(context.Background(), nil))

	se := &SyncError{Code: ErrCodeRejected}
	assert.Same(t, se, classify(context.Background(), se))

	err := classify(context.Background(), errors.New("connection reset"))
	require.Error(t, err)
	assert.True(t, IsTransientError(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = classify(ctx, ctx.Err())
	assert.True(t, IsInterruptedError(err))
}
