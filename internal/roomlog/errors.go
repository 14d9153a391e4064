package roomlog

import (
	"errors"
	"fmt"
)

var (
	errMissingStorage  = errors.New("storage directory is required")
	errMissingRouter   = errors.New("dispatch router is required")
	errMissingIdentity = errors.New("room identity is missing")

	// ErrClosed indicates use of a room log that is not open.
	ErrClosed = errors.New("roomlog: room log is not open")
	// ErrInvalidInvite indicates an invite that does not verify.
	ErrInvalidInvite = errors.New("roomlog: invalid invite")
	// ErrInviteMismatch indicates storage that already belongs to another room.
	ErrInviteMismatch = errors.New("roomlog: storage belongs to a different room")
)

// LogError is the coded error returned by room log operations.
type LogError struct {
	code string
	err  error
}

func (e *LogError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *LogError) Unwrap() error {
	return e.err
}

func (e *LogError) Code() string {
	return e.code
}

func newLogError(operation, reason string, cause error) error {
	return &LogError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
