package compdb

import "errors"

var (
	// ErrCompetitionNotFound is returned when no competition exists with
	// the queried ID.
	ErrCompetitionNotFound = errors.New("unable to locate competition")

	// ErrCompetitionTerminal is returned when attempting to mutate a
	// competition that has already reached a terminal state. Terminal
	// rows are append-only.
	ErrCompetitionTerminal = errors.New("competition is in a terminal " +
		"state")

	// ErrTicketNotFound is returned when no ticket matches the queried
	// ID or payment hash.
	ErrTicketNotFound = errors.New("unable to locate ticket")

	// ErrNoTicketsAvailable is returned when all ticket slots of a
	// competition are taken.
	ErrNoTicketsAvailable = errors.New("no ticket slots available")

	// ErrTicketNotPaid is returned when an entry references a ticket
	// that hasn't completed payment.
	ErrTicketNotPaid = errors.New("ticket has not been paid")

	// ErrTicketNotReserved is returned when a ticket operation requires
	// a reservation that isn't present.
	ErrTicketNotReserved = errors.New("ticket is not reserved")

	// ErrEntryNotFound is returned when no entry exists with the queried
	// ID.
	ErrEntryNotFound = errors.New("unable to locate entry")

	// ErrDuplicateEntry is returned when a user submits a second entry
	// for the same ticket.
	ErrDuplicateEntry = errors.New("entry already exists for ticket")

	// ErrPayoutNotFound is returned when no payout exists with the
	// queried ID or payment hash.
	ErrPayoutNotFound = errors.New("unable to locate payout")

	// ErrUserNotFound is returned when no user exists with the queried
	// pubkey or username.
	ErrUserNotFound = errors.New("unable to locate user")

	// ErrUsernameTaken is returned when registering a username that
	// already exists. The auth registry hides this from callers by
	// reporting the registration as successful.
	ErrUsernameTaken = errors.New("username already registered")
)
