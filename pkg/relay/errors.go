package relay

import (
	"errors"
	"fmt"
)

var (
	ErrDestinationUnavailable = errors.New("destination unavailable")
	ErrTimeout                = errors.New("relay timeout")
	ErrForbidden              = errors.New("forbidden")
	ErrNotFound               = errors.New("not found")
)

// Error codes carried over the wire, both in backplane replies and in error
// frames delivered to clients.
const (
	CodeTimeout                = "timeout"
	CodeDestinationUnavailable = "destination_unavailable"
	CodeForbidden              = "forbidden"
	CodeNotFound               = "not_found"
)

// ErrorCode maps a relay error to its wire code. Unknown errors map to the
// timeout code so a caller never sees an unbounded failure class.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDestinationUnavailable):
		return CodeDestinationUnavailable
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeTimeout
	}
}

// ErrorFromCode is the inverse mapping, used when a failure crossed the
// backplane or the transport as a code string.
func ErrorFromCode(code string) error {
	switch code {
	case "":
		return nil
	case CodeTimeout:
		return ErrTimeout
	case CodeDestinationUnavailable:
		return ErrDestinationUnavailable
	case CodeForbidden:
		return ErrForbidden
	case CodeNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("relay error: %s", code)
	}
}
