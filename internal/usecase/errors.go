package usecase

import "errors"

var (
	// ErrConflict is returned when registering an email that already exists.
	ErrConflict = errors.New("email already exists")

	// ErrValidation is returned when a request carries missing or out-of-range fields.
	ErrValidation = errors.New("invalid request")
)
