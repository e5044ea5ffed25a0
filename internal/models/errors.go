package models

import (
	"errors"
	"fmt"
)

// DuplicateKeyError is returned when a unique identifier is already taken.
type DuplicateKeyError struct {
	Kind EntityKind
	Key  string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Key)
}

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Kind EntityKind
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// InvalidTransitionError is returned when a state precondition does not hold.
type InvalidTransitionError struct {
	Op     string
	BikeID string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s bike %q: %s", e.Op, e.BikeID, e.Reason)
}

// ConcurrentModificationError means another writer changed the entity between
// read and write. The caller may retry.
type ConcurrentModificationError struct {
	Kind EntityKind
	Key  string
}

func (e *ConcurrentModificationError) Error() string {
	if e.Key == "" {
		return "concurrent modification"
	}
	return fmt.Sprintf("%s %q was modified concurrently", e.Kind, e.Key)
}

// Retryable marks the error as safe to retry.
func (e *ConcurrentModificationError) Retryable() bool { return true }

// TimeoutError is returned when an operation exceeds its time budget.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Retryable marks the error as safe to retry.
func (e *TimeoutError) Retryable() bool { return true }

// RetentionPurgeError reports a failed purge cycle for one retention class.
// It is never fatal; the purge is attempted again on the next cycle.
type RetentionPurgeError struct {
	Class RetentionClass
	Err   error
}

func (e *RetentionPurgeError) Error() string {
	return fmt.Sprintf("purge %s: %v", e.Class, e.Err)
}

func (e *RetentionPurgeError) Unwrap() error { return e.Err }

// ValidationError rejects malformed input before it reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsRetryable reports whether err (or anything it wraps) can be retried.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
