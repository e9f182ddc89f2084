package repo

import "errors"

var (
	// ErrNotFound indicates missing entities in the pledge repositories.
	ErrNotFound = errors.New("pledge: not found")
	// ErrStateConflict means the row was not in a state the change is allowed from.
	ErrStateConflict = errors.New("pledge: state conflict")
	// ErrDuplicateEvent marks a webhook event that was already processed.
	ErrDuplicateEvent = errors.New("pledge: duplicate webhook event")
)
