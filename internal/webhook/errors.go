package webhook

import (
	"errors"
	"strings"
)

var (
	ErrNotFound       = errors.New("webhook not found")
	ErrForbidden      = errors.New("webhook belongs to another tenant")
	ErrInvalid        = errors.New("invalid webhook configuration")
	ErrTenantRequired = errors.New("tenant id is required")
	// ErrStaleDelivery is returned when an attempt is recorded for a
	// subscription that has been deleted while its pipeline was in flight.
	ErrStaleDelivery = errors.New("stale delivery: subscription no longer exists")
)

// ValidationError lists every problem found in a subscription configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return ErrInvalid.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }
