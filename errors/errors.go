// Package errors provides error handling for the imgen orchestrator.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrWorkerUnavailable) {
//	    // handle unreachable worker
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Dispatch sentinel errors. Wrap these with errors.Wrap() to add context
// while preserving the kind; check with errors.Is().
var (
	// ErrNoAvailableWorker indicates no healthy, capable worker exists for a
	// task. Raised by the router; the job is never created.
	ErrNoAvailableWorker = New("no available worker")

	// ErrNoTemplate indicates no workflow template matches the request.
	ErrNoTemplate = New("no matching template")

	// ErrBadTemplate indicates a template could not be built into a workflow.
	ErrBadTemplate = New("bad template")

	// ErrSubmitRejected indicates a worker rejected a job graph (validation
	// or other 4xx reply). Terminal for the job.
	ErrSubmitRejected = New("submit rejected by worker")

	// ErrWorkerUnavailable indicates a worker could not be reached (connect
	// failure, timeout, or 5xx). Terminal for the job; the health probe will
	// independently mark the worker unhealthy.
	ErrWorkerUnavailable = New("worker unavailable")

	// ErrTimeout indicates a job did not reach a terminal state within its
	// poll deadline.
	ErrTimeout = New("generation timed out")

	// ErrNoOutput indicates a worker reported completion but produced no
	// images.
	ErrNoOutput = New("no output images")

	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid.
	ErrInvalidRequest = New("invalid request")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}
