package usecase

import "errors"

var (
	// ErrPersistence marks a failed atomic write. Nothing from the failed
	// operation is visible afterwards.
	ErrPersistence   = errors.New("persistence failure")
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidOrder  = errors.New("invalid order")
)
