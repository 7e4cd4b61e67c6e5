package contact

import "errors"

// Sentinel errors for the contact service layer.
var (
	ErrNotFound          = errors.New("contact not found")
	ErrListNotFound      = errors.New("list not found")
	ErrDuplicateEmail    = errors.New("email already exists for this tenant")
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrInvalidTransition = errors.New("invalid contact status transition")
)
