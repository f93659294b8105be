package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled reports that an awaited operation's context fired before a
	// result arrived. It is never a result code.
	ErrCancelled = errors.New("protocol: cancelled")
)

// Cancelled wraps cause so that errors.Is matches both ErrCancelled and cause.
func Cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
