package types

import (
	"errors"
	"fmt"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// NoChannel marks a FatalError that is not tied to a single channel.
const NoChannel = -1

// FatalError aborts the whole run. It is raised on lost communication, unparsable
// measurements and safety violations, and always triggers the all-off sweep.
type FatalError struct {
	Test    string
	Channel int
	Command string
	Err     error
}

func (e *FatalError) Error() string {
	msg := "fatal"
	if e.Test != "" {
		msg += fmt.Sprintf(" test=%s", e.Test)
	}
	if e.Channel != NoChannel {
		msg += fmt.Sprintf(" channel=%d", e.Channel)
	}
	if e.Command != "" {
		msg += fmt.Sprintf(" command=%q", e.Command)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError for channel ch. An err that already is a
// FatalError is returned as is.
func Fatal(ch int, command string, err error) *FatalError {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe
	}
	return &FatalError{Channel: ch, Command: command, Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
