package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotEditable       = errors.New("campaign can no longer be edited")
	ErrAlreadySending    = errors.New("campaign is already sending or sent")
	ErrNoContent         = errors.New("campaign has no content")
	ErrNoCredential      = errors.New("campaign has no provider credential")
	ErrRateLimited       = errors.New("tenant hourly send quota exceeded")
)
