package credit

import "errors"

var (
	// ErrInsufficientCredits is an expected business outcome, not a fault:
	// callers surface it as a billing prompt.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrAccountNotFound is returned when the user has no credit account
	ErrAccountNotFound = errors.New("credit account not found")

	ErrInternal = errors.New("internal error")
)
