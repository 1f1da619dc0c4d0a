package repository

import "errors"

// Sentinel kinds for storage errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyWithdrawn = errors.New("consent already withdrawn")
	// ErrBusy marks a lock/conflict failure; the transaction may be retried.
	ErrBusy            = errors.New("store busy")
	ErrClosed          = errors.New("store closed")
	ErrInvalidArgument = errors.New("invalid argument")
)
