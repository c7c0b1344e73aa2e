package store

import "errors"

var (
	ErrNoTicket        = errors.New("no ticket available")
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrInvalidState    = errors.New("invalid ticket state")
	ErrDuplicateNumber = errors.New("duplicate ticket number")
	ErrUnavailable     = errors.New("ticket store unavailable")
	// ErrCorruptHistory means a ticket's audit events fail verification.
	ErrCorruptHistory  = errors.New("ticket history corrupt")
)

// IsDomainError reports whether err is one of the store's expected
// outcomes rather than a backend failure.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNoTicket) ||
		errors.Is(err, ErrTicketNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrDuplicateNumber)
}
