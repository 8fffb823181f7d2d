// Package dberrors defines the engine's error taxonomy. Every failure
// surfaced by the engine belongs to exactly one class; callers branch
// on the class, not on message text.
package dberrors

import (
	"errors"
	"fmt"
)

// Class is the broad failure category of an engine error.
type Class uint8

const (
	// Validation: the request was rejected before any side effect
	// (oversized key/value, unknown partition, bad argument).
	Validation Class = iota
	// Durability: a journal append or segment write failed at the
	// storage layer. The write's effects were not applied.
	Durability
	// Integrity: a checksum mismatch was detected on read. Corrupted
	// data is never silently returned.
	Integrity
	// Recovery: journal or manifest inconsistency at open time beyond
	// the documented partial-batch-discard policy.
	Recovery
	// Concurrency: misuse of a handle, e.g. a snapshot used after
	// close.
	Concurrency
)

func (c Class) String() string {
	switch c {
	case Validation:
		return "validation"
	case Durability:
		return "durability"
	case Integrity:
		return "integrity"
	case Recovery:
		return "recovery"
	case Concurrency:
		return "concurrency"
	default:
		return "unknown"
	}
}

// Error carries a class and an optional cause.
type Error struct {
	Class Class
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tarn: %s: %s: %v", e.Class, e.Msg, e.Cause)
	}
	return fmt.Sprintf("tarn: %s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without a cause.
func New(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Returns nil if cause is nil.
func Wrap(class Class, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err (or anything it wraps) belongs to class.
func Is(err error, class Class) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == class
}

// IsNotFound reports whether err means the key has no visible value.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Sentinel conditions shared across packages.
var (
	ErrNotFound       = errors.New("tarn: not found")
	ErrClosed         = errors.New("tarn: keyspace closed")
	ErrSnapshotClosed = &Error{Class: Concurrency, Msg: "snapshot handle used after close"}
)
