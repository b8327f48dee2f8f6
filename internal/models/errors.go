package models

import (
	"errors"
	"fmt"
)

// ErrQueueFull signals backpressure: the queue is at capacity and the
// caller should tell the sender to try again later.
var ErrQueueFull = errors.New("queue is full, try again later")

// ErrJobNotFound is returned for status lookups on unknown or evicted jobs.
var ErrJobNotFound = errors.New("job not found")

// TransientError marks a stage failure that may succeed on retry
// (timeout, network error, rate limit). The worker retries these with
// backoff up to the stage cap.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// DeterministicError marks a stage failure that will recur identically on
// retry (bad input, unsupported format, tool crash on the same bytes).
// The worker never retries these.
type DeterministicError struct {
	Err error
}

func (e *DeterministicError) Error() string { return e.Err.Error() }
func (e *DeterministicError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Deterministic wraps err as non-retryable.
func Deterministic(format string, args ...interface{}) error {
	return &DeterministicError{Err: fmt.Errorf(format, args...)}
}

// IsDeterministic reports whether err is marked non-retryable. Anything
// not explicitly deterministic is treated as transient so flaky network
// paths default to retrying.
func IsDeterministic(err error) bool {
	var de *DeterministicError
	return errors.As(err, &de)
}
