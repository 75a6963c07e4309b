package apperrors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrServiceUnavailable = errors.New("external service unavailable")
	ErrTimeout            = errors.New("external service timed out")
	ErrSessionNotFound    = errors.New("interview session not found")
	ErrSessionClosed      = errors.New("interview session already closed")
	ErrConflict           = errors.New("interview session changed concurrently")
	ErrInvalidInput       = errors.New("invalid input")
)

// Unavailable wraps err as ErrServiceUnavailable for the named capability,
// unless it is already classified as a timeout.
func Unavailable(service string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", service, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", service, ErrServiceUnavailable, err)
}

// FromContext classifies a context error. A deadline becomes ErrTimeout,
// cancellation is returned as is.
func FromContext(ctx context.Context, service string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", service, ErrTimeout)
	}
	return err
}

// Retryable reports whether the caller may safely retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrConflict)
}
