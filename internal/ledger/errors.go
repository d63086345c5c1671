package ledger

import "errors"

var (
	ErrInvalidName    = errors.New("person name is empty")
	ErrDuplicateName  = errors.New("person name already exists")
	ErrPersonNotFound = errors.New("person not found")
	ErrInvalidAmount  = errors.New("amount must be a non-zero number")
	ErrInvalidScope   = errors.New("unknown export scope")

	// ErrStorage wraps every I/O or driver failure coming from a store.
	ErrStorage = errors.New("storage failure")
)
