package httpparse

import (
	"errors"
	"fmt"
)

// ErrParse matches every *ParseError with errors.Is.
var ErrParse = errors.New("http parse error")

// ParseError reports malformed input, or a connection that closed in the
// middle of a message. It is fatal: the parser is dead afterwards.
type ParseError struct {
	State  State
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("http parse error in %s: %s", e.State, e.Reason)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

func newParseError(s State, format string, args ...any) *ParseError {
	return &ParseError{State: s, Reason: fmt.Sprintf(format, args...)}
}
