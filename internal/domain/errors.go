package domain

import "errors"

var (
	ErrNotFound        = errors.New("market not found")
	ErrAlreadyResolved = errors.New("market already resolved")
	ErrNotResolved     = errors.New("market not resolved")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrAmountRequired  = errors.New("attached amount required")
	ErrAmountTooLarge  = errors.New("amount exceeds 128-bit range")
	ErrLockHeld        = errors.New("lock already held")
)
