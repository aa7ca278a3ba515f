package pipeline

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks failures retrying cannot fix: unknown sites,
	// missing credentials, missing accounts or listings.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound is returned by repositories for missing records.
	ErrNotFound = errors.New("not found")
	// ErrInFlight is returned when the same idempotency key is already running.
	ErrInFlight = errors.New("job already in flight")
	// ErrLoginRejected is returned when the portal refused the stored credentials.
	ErrLoginRejected = errors.New("portal rejected login")
	// ErrAccountExpired is returned when the portal reports the account as
	// expired or locked. It is not retried.
	ErrAccountExpired = errors.New("portal account expired or locked")
)

func configuration(err error) error {
	if errors.Is(err, ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}

// IsRetryable reports whether a stage failure may succeed on another attempt.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrAccountExpired),
		errors.Is(err, ErrInFlight),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
