package auth

import "errors"

// ErrUnauthenticated matches every authentication failure.
var ErrUnauthenticated = errors.New("unauthenticated")

// Error reports why a caller could not be authenticated. Reason is safe to
// return to clients.
type Error struct {
	Reason string
	Err    error
}

// NewError builds an authentication failure with a client-facing reason.
func NewError(reason string, cause error) *Error {
	return &Error{Reason: reason, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnauthenticated) hold for every *Error.
func (e *Error) Is(target error) bool { return target == ErrUnauthenticated }
