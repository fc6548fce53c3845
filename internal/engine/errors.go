package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/wal"
)

// Error is returned by Handle and Recover when a message cannot be handled.
//
// The listener uses Code to decide what to do with the delivery:
//   - Malformed: reject without requeue, the message can never succeed
//   - Transient: requeue, a later attempt may succeed
//   - Storage: stop consuming, the process must restart and recover
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Tenant identifies the affected tenant, if known.
	Tenant uuid.UUID

	// MessageID identifies the message being handled, if any.
	MessageID uuid.UUID

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeMalformed indicates a structurally invalid message.
	ErrCodeMalformed ErrorCode = "MALFORMED"

	// ErrCodeTransient indicates a failure worth retrying via redelivery.
	ErrCodeTransient ErrorCode = "TRANSIENT"

	// ErrCodeStorage indicates a failure reading or writing tenant state.
	ErrCodeStorage ErrorCode = "STORAGE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Tenant != uuid.Nil {
		msg += fmt.Sprintf(" (tenant=%s", e.Tenant)
		if e.MessageID != uuid.Nil {
			msg += fmt.Sprintf(", message=%s", e.MessageID)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsMalformed returns true if err is a malformed-message error.
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformed)
}

// IsTransient returns true if err is a transient error.
func IsTransient(err error) bool {
	return hasCode(err, ErrCodeTransient)
}

// IsStorage returns true if err is a storage error.
func IsStorage(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

// Malformed wraps err so the engine rejects the message. Strategies use it
// for items they can never process.
func Malformed(err error) error {
	return &Error{Code: ErrCodeMalformed, Message: "invalid item", Err: err}
}

// Transient wraps err so the engine requeues the message.
func Transient(err error) error {
	return &Error{Code: ErrCodeTransient, Message: "temporary failure", Err: err}
}

func newError(code ErrorCode, tenant, msgID uuid.UUID, message string, err error) *Error {
	return &Error{Code: code, Message: message, Tenant: tenant, MessageID: msgID, Err: err}
}

// persistFailed classifies a failed tracker transaction. A value too large
// for the log can never be persisted, so the message is rejected.
func persistFailed(tenant, msgID uuid.UUID, what string, err error) (Decision, error) {
	if errors.Is(err, wal.ErrTooLarge) {
		return Reject, newError(ErrCodeMalformed, tenant, msgID, what, err)
	}
	return Requeue, newError(ErrCodeStorage, tenant, msgID, what, err)
}

// classify tags a strategy hook error. Errors already carrying a code keep it,
// anything else is treated as transient.
func classify(tenant, msgID uuid.UUID, hook string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Tenant == uuid.Nil {
			e.Tenant, e.MessageID = tenant, msgID
		}
		return err
	}
	return newError(ErrCodeTransient, tenant, msgID, hook+" failed", err)
}
