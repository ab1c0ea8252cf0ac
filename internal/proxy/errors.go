package proxy

import (
	"errors"
	"fmt"
)

var (
	errNoHost       = errors.New("request has no host")
	errOriginClosed = errors.New("origin no longer accepts data")
)

// SessionError records which step of a session failed.
type SessionError struct {
	Op        string
	SessionID string
	Remote    string
	Err       error
}

func (e *SessionError) Error() string {
	if e.Remote == "" {
		return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("session %s: %s %s: %v", e.SessionID, e.Op, e.Remote, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
