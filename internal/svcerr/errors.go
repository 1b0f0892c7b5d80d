// Package svcerr classifies failures from external generation services.
//
// Every adapter failure is reported as an *Error carrying one of four kinds.
// The retry policy and fallback chain only ever look at the kind.
package svcerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the failure class of a service call.
type Kind string

const (
	// Transient failures (rate limit, timeout, network, 5xx) may succeed on retry.
	Transient Kind = "transient"
	// Permanent failures (auth, quota, content policy) will not succeed on retry
	// but a different producer may.
	Permanent Kind = "permanent"
	// InvalidInput means the caller-supplied input is defective. Nothing downstream
	// can fix it, so the job is aborted.
	InvalidInput Kind = "invalid_input"
	// FallbackExhausted means every tier in a chain failed. Chains end in an
	// infallible tier, so this indicates a configuration bug.
	FallbackExhausted Kind = "fallback_exhausted"
)

// Error is a classified service failure.
type Error struct {
	Kind       Kind
	Capability string
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Capability != "" {
		msg = e.Capability + ": " + msg
	}
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error kind is eligible for retry.
func (e *Error) Retryable() bool { return e.Kind == Transient }

// New returns a classified error wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NewTransient, NewPermanent and NewInvalidInput are shorthands for New.
func NewTransient(err error) *Error    { return New(Transient, err) }
func NewPermanent(err error) *Error    { return New(Permanent, err) }
func NewInvalidInput(err error) *Error { return New(InvalidInput, err) }

// KindOf returns the kind of err. Unclassified errors are treated as
// Transient, except context cancellation which is Permanent so a cancelled
// caller is not retried against its will.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	return Transient
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfterOf returns the server-provided backoff hint, if any.
func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// WithCapability stamps capability and op onto a classified error, classifying
// it as Transient first if needed.
func WithCapability(err error, capability, op string) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Capability == "" {
			se.Capability = capability
		}
		if se.Op == "" {
			se.Op = op
		}
		return err
	}
	return &Error{Kind: KindOf(err), Capability: capability, Op: op, Err: err}
}
