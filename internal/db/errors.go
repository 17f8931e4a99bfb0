package db

import "errors"

var (
	// ErrInfrastructure marks failures of the database itself (pool
	// exhausted, server unreachable, statement failed).
	ErrInfrastructure = errors.New("database infrastructure error")

	// ErrTxNotFound is returned when a client id has no live transaction,
	// because it was already committed, rolled back or evicted by the sweep.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxStillInUse is returned when a transaction is finished while a
	// statement is still running on its connection.
	ErrTxStillInUse = errors.New("transaction still in use")

	// ErrMeetingNotFound is returned when no meeting matches a provider id.
	ErrMeetingNotFound = errors.New("meeting not found")
)
