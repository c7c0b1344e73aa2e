package queue

import (
	"errors"
	"fmt"

	"qms/clinic-queue/internal/store"
)

var (
	ErrValidation = errors.New("invalid request")
	// ErrEmptyQueue is an expected negative result of CallNext.
	ErrEmptyQueue = store.ErrNoTicket
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storeError passes domain outcomes through and tags everything else as
// ErrUnavailable so callers can tell a retryable backend failure apart.
func storeError(err error) error {
	if err == nil || store.IsDomainError(err) || errors.Is(err, store.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}
