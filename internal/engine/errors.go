package engine

import (
	"errors"
	"fmt"
	"strings"
)

// SyncError is a failure of the sync engine.
//
// Only rejected mutations, rejected irreversible changes and unrecoverable
// storage failures reach the UI (the failure stream and Failed). Transient
// network failures and interrupted syncs are handled internally until they
// exhaust their retry budget.
//
// SyncError carries the affected mutation and a suggested user action.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// MutationID identifies the affected mutation, when there is one.
	MutationID string

	// EntityID identifies the affected entity, when there is one.
	EntityID string

	// Action is what the user can do about it.
	Action Action

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeTransient is a network failure worth retrying with backoff.
	ErrCodeTransient ErrorCode = "TRANSIENT_NETWORK_FAILURE"

	// ErrCodeRejected is a server refusal on business-rule grounds.
	ErrCodeRejected ErrorCode = "REJECTED_MUTATION"

	// ErrCodeConflictResolved is never returned; it tags audit log lines.
	ErrCodeConflictResolved ErrorCode = "CONFLICT_RESOLVED"

	// ErrCodeIrreversible is an attempted override of a guarded status by
	// insufficient authority.
	ErrCodeIrreversible ErrorCode = "IRREVERSIBLE_CHANGE_REJECTED"

	// ErrCodeStorage is a durable-store I/O failure.
	ErrCodeStorage ErrorCode = "STORAGE_FAILURE"

	// ErrCodeInterrupted is a sync cut short before its batch settled.
	ErrCodeInterrupted ErrorCode = "SYNC_INTERRUPTED"
)

// Action is the suggested remedy for a surfaced failure.
type Action string

const (
	ActionRetry        Action = "retry"
	ActionDiscard      Action = "discard"
	ActionManualReview Action = "manual_review"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.MutationID != "" {
		fmt.Fprintf(&b, " (mutation=%s)", e.MutationID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Surfaced reports whether errors of this code are delivered to the UI.
func (c ErrorCode) Surfaced() bool {
	switch c {
	case ErrCodeRejected, ErrCodeIrreversible, ErrCodeStorage:
		return true
	default:
		return false
	}
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransientError returns true if err is a transient network failure.
// Uses errors.As to handle wrapped errors.
func IsTransientError(err error) bool {
	return hasCode(err, ErrCodeTransient)
}

// IsRejectedError returns true if err is a business-rule rejection.
func IsRejectedError(err error) bool {
	return hasCode(err, ErrCodeRejected)
}

// IsIrreversibleError returns true if err is a rejected irreversible change.
func IsIrreversibleError(err error) bool {
	return hasCode(err, ErrCodeIrreversible)
}

// IsStorageError returns true if err is a durable-store failure.
func IsStorageError(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

// IsInterruptedError returns true if err is an interrupted sync.
func IsInterruptedError(err error) bool {
	return hasCode(err, ErrCodeInterrupted)
}

// storageError wraps a store failure.
func storageError(op string, err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeStorage,
		Message: op,
		Action:  ActionRetry,
		Err:     err,
	}
}

// failReason encodes a surfaced failure into the reason persisted on a
// parked mutation, so it can be reconstructed by parseFailReason.
func failReason(code ErrorCode, message string) string {
	return string(code) + ": " + message
}

// defaultAction is the suggested remedy for a failure code.
func defaultAction(code ErrorCode) Action {
	switch code {
	case ErrCodeRejected, ErrCodeIrreversible:
		return ActionDiscard
	case ErrCodeInterrupted:
		return ActionManualReview
	default:
		return ActionRetry
	}
}

// parseFailReason splits a persisted reason back into code and message.
// Reasons without a known code read as transient failures.
func parseFailReason(reason string) (ErrorCode, string) {
	code, msg, ok := strings.Cut(reason, ": ")
	if ok {
		switch c := ErrorCode(code); c {
		case ErrCodeTransient, ErrCodeRejected, ErrCodeIrreversible, ErrCodeStorage, ErrCodeInterrupted:
			return c, msg
		}
	}
	return ErrCodeTransient, reason
}
