package domain

import (
	"context"
	"errors"
)

// Admission errors, returned synchronously to the caller.
var (
	ErrQueueFull      = errors.New("job queue is full")
	ErrJobNotFound    = errors.New("job not found")
	ErrAlreadyRunning = errors.New("running jobs cannot be force-cancelled safely")
	ErrDuplicateJob   = errors.New("job id already exists")
)

// Execution errors, captured on the job record.
var (
	ErrGeneration     = errors.New("generation failed")
	ErrRender         = errors.New("render failed")
	ErrRepair         = errors.New("repair failed")
	ErrBudgetExceeded = errors.New("retry budget exhausted")
	ErrTimeout        = errors.New("timed out")
)

// Artifact resolution errors.
var (
	ErrIntegrity        = errors.New("artifact integrity check failed")
	ErrFetch            = errors.New("artifact fetch failed")
	ErrSigning          = errors.New("artifact url signing failed")
	ErrInvalidReference = errors.New("invalid input reference")
)

// ErrInvalidInput marks a request body the task cannot accept.
var ErrInvalidInput = errors.New("invalid input")

// Error kinds written to JobError.Kind.
const (
	ErrorKindBudgetExceeded = "budget_exceeded"
	ErrorKindIntegrity      = "integrity"
	ErrorKindTimeout        = "timeout"
	ErrorKindGeneration     = "generation"
	ErrorKindRender         = "render"
	ErrorKindRepair         = "repair"
	ErrorKindFetch          = "fetch"
	ErrorKindInvalidInput   = "invalid_input"
	ErrorKindInternal       = "internal"
)

// ErrorKind classifies an execution error so callers can tell an exhausted
// retry loop from an integrity failure from a subprocess timeout.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBudgetExceeded):
		return ErrorKindBudgetExceeded
	case errors.Is(err, ErrIntegrity):
		return ErrorKindIntegrity
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrRepair):
		return ErrorKindRepair
	case errors.Is(err, ErrGeneration):
		return ErrorKindGeneration
	case errors.Is(err, ErrRender):
		return ErrorKindRender
	case errors.Is(err, ErrFetch), errors.Is(err, ErrSigning):
		return ErrorKindFetch
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidReference):
		return ErrorKindInvalidInput
	}
	return ErrorKindInternal
}

// NewJobError builds the stored failure summary for err.
func NewJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	return &JobError{Message: err.Error(), Kind: ErrorKind(err), StatusCode: 500}
}
