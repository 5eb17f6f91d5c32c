package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConflict          = errors.New("concurrent modification")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidAuction    = errors.New("invalid auction parameters")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrSubmissionFailed  = errors.New("bid submission failed")
	ErrPaymentFailed     = errors.New("payment capture failed")
	ErrLockHeld          = errors.New("lock already held")
)
