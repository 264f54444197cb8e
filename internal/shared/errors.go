package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPeriod indicates a malformed YYYY-MM period.
	ErrInvalidPeriod = errors.New("period must be formatted as YYYY-MM")
	// ErrIdempotencyConflict indicates a duplicate key.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
	// ErrConcurrentUpdate indicates a transaction lost a race on a locked row.
	ErrConcurrentUpdate = errors.New("concurrent update, retry the request")
)
