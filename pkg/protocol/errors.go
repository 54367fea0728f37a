package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrEmpty          = errors.New("empty line")
	ErrMalformed      = errors.New("malformed envelope")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidField   = errors.New("invalid field")
	ErrTooLarge       = errors.New("envelope exceeds transport unit")
)

// Error is a protocol error tied to the offending line
type Error struct {
	Line string
	Err  error
}

func (e *Error) Error() string {
	line := e.Line
	if len(line) > 48 {
		line = line[:48] + "..."
	}
	return fmt.Sprintf("protocol: %v: %q", e.Err, line)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func protoErr(line string, err error) error {
	return &Error{Line: line, Err: err}
}

// IsProtocolError reports whether err came from decoding or encoding an envelope
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
