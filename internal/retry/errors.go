package retry

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout = errors.New("retry: timeout")
	// ErrNotYet is the recoverable failure WaitUntil reports while its
	// condition is false.
	ErrNotYet = errors.New("retry: condition not met")
)

// TimeoutError is returned when attempts keep failing past the deadline.
// It matches ErrTimeout and does not unwrap to Last.
type TimeoutError struct {
	Name     string
	Attempts int
	Elapsed  time.Duration
	Timeout  time.Duration
	Last     error
}

func (e *TimeoutError) Error() string {
	name := e.Name
	if name == "" {
		name = "operation"
	}
	return fmt.Sprintf(
		"retry: %s timed out after %d attempts in %s (timeout %s): last error: %v",
		name,
		e.Attempts,
		e.Elapsed,
		e.Timeout,
		e.Last,
	)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-recoverable; the supervisor returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

func unwrapPermanent(err error) error {
	var p permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}
