package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StoreUnavailableError reports that the backing store rejected or could not
// serve an operation. Transient failures are safe to retry.
type StoreUnavailableError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("event store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("event store %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

var transientMarkers = []string{
	"database is locked",
	"busy",
	"database is closed",
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"no such host",
	"eof",
}

// classify converts a raw driver error into a StoreUnavailableError or TimeoutError.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}

	msg := strings.ToLower(err.Error())
	transient := false
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			transient = true
			break
		}
	}
	return &StoreUnavailableError{Op: op, Transient: transient, Err: err}
}

// IsRetryable reports whether a failed write may succeed later.
func IsRetryable(err error) bool {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var unavailable *StoreUnavailableError
	return errors.As(err, &unavailable) && unavailable.Transient
}
