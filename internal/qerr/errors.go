// Package qerr defines the error taxonomy of sequentor.
//
// Errors fall into three classes:
//   - per pull request errors, they end processing for one PR and are
//     recorded in the queue history,
//   - transient errors, they are retried internally and only surfaced
//     when retrying is exhausted,
//   - fatal errors, they abort the run without recording an outcome for
//     the PR, a later run retries from scratch.
package qerr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConcurrencyConflict is returned by a conditional write when the
	// version token is stale because another writer updated the document.
	ErrConcurrencyConflict = errors.New("document changed since it was read")

	// ErrInvalidTransition is returned by queue document mutations that
	// violate the processing state machine, e.g. completing a PR that was
	// never started.
	ErrInvalidTransition = errors.New("invalid queue state transition")

	// ErrBranchConflict is returned when merging the trunk branch into a
	// PR branch fails with a merge conflict. It is terminal for the PR
	// and never retried.
	ErrBranchConflict = errors.New("merge conflict")

	ErrNotFound = errors.New("not found")
)

// ValidationError describes why a pull request is not eligible for being
// merged. It is specific to one PR, processing other PRs can continue.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "pull request is not eligible: " + e.Reason
}

// ConcurrencyExhaustedError is returned when the read-mutate-write cycle on
// the queue document still conflicted after the maximum number of attempts.
type ConcurrencyExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("updating the queue document failed %d times with conflicts: %s",
		e.Attempts, e.LastErr)
}

func (e *ConcurrencyExhaustedError) Unwrap() error {
	return e.LastErr
}

// StateCorruptError is returned when the persisted queue document violates
// its structural invariants. The document is not repaired automatically.
type StateCorruptError struct {
	Name string
	Err  error
}

func (e *StateCorruptError) Error() string {
	return fmt.Sprintf("queue document %q is corrupt: %s", e.Name, e.Err)
}

func (e *StateCorruptError) Unwrap() error {
	return e.Err
}

// CheckTimeoutError is returned when required checks for a commit did not
// finish before the configured timeout expired.
// An indefinitely pending check is not distinguishable from a hung CI
// pipeline, waiting must terminate loudly instead of returning a negative
// check result.
type CheckTimeoutError struct {
	Commit  string
	Timeout time.Duration
}

func (e *CheckTimeoutError) Error() string {
	return fmt.Sprintf("checks for commit %s did not finish within %s", e.Commit, e.Timeout)
}

// RetryableError wraps an error of an operation that can be retried, e.g. a
// temporary GitHub API failure.
type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// After is the earliest point in time that the operation can be retried
	After time.Time
}

func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After, e.Err)
}
