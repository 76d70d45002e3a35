// Package alarmerr defines the engine's error taxonomy.
package alarmerr

import (
	"errors"
	"fmt"
)

// Code categorizes engine errors.
type Code string

const (
	// CodeScheduling means a definition's recurrence cannot be resolved.
	CodeScheduling Code = "SCHEDULING"

	// CodeDelivery means the platform notification could not be shown.
	CodeDelivery Code = "DELIVERY"

	// CodeTransitionRejected means a valid request was refused by policy,
	// e.g. the snooze limit was reached.
	CodeTransitionRejected Code = "TRANSITION_REJECTED"

	// CodeSyncConflict means the remote state diverged from a queued mutation.
	CodeSyncConflict Code = "SYNC_CONFLICT"

	// CodeReconciliationFailure means the remote store rejected a mutation
	// for a reason retrying cannot fix.
	CodeReconciliationFailure Code = "RECONCILIATION_FAILURE"

	// CodeRetryable marks transient transport failures.
	CodeRetryable Code = "RETRYABLE"
)

// Error is a structured engine error.
type Error struct {
	Code      Code
	Message   string
	AlarmID   string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.SessionID != "":
		msg += fmt.Sprintf(" (session=%s)", e.SessionID)
	case e.AlarmID != "":
		msg += fmt.Sprintf(" (alarm=%s)", e.AlarmID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err (or anything it wraps) is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return IsCode(err, CodeRetryable)
}

func Scheduling(alarmID string, err error) *Error {
	return &Error{Code: CodeScheduling, Message: "recurrence cannot be resolved", AlarmID: alarmID, Err: err}
}

func Delivery(sessionID, msg string, err error) *Error {
	return &Error{Code: CodeDelivery, Message: msg, SessionID: sessionID, Err: err}
}

func TransitionRejected(sessionID, reason string) *Error {
	return &Error{Code: CodeTransitionRejected, Message: reason, SessionID: sessionID}
}

func SyncConflict(alarmID, msg string) *Error {
	return &Error{Code: CodeSyncConflict, Message: msg, AlarmID: alarmID}
}

func ReconciliationFailure(alarmID, msg string, err error) *Error {
	return &Error{Code: CodeReconciliationFailure, Message: msg, AlarmID: alarmID, Err: err}
}

func Retryable(msg string, err error) *Error {
	return &Error{Code: CodeRetryable, Message: msg, Err: err}
}
