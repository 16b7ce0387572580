package engine

import "errors"

// Not-found errors wrap repo.ErrNotFound; authorization errors are auth.ForbiddenError.
var (
	ErrStateConflict  = errors.New("state conflict")
	ErrValueMismatch  = errors.New("value mismatch")
	ErrLimit          = errors.New("limit violation")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTransferFailed = errors.New("transfer failed")
	ErrReentrant      = errors.New("reentrant call")
)
