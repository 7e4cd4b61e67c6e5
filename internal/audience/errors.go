package audience

import "errors"

// Sentinel errors for audience resolution.
var (
	ErrNoLists       = errors.New("list not found")
	ErrEmptyAudience = errors.New("no sendable recipients")
)
