package studio

import (
	"errors"
	"fmt"
)

var (
	// ErrNotVideo rejects add-video requests whose name is not a video type.
	ErrNotVideo = errors.New("Only video files are allowed")
	// ErrNotOpen indicates an operation on a room that is not open.
	ErrNotOpen = errors.New("studio: room is not open")
	// ErrClosed indicates Ready on a room that was closed before opening.
	ErrClosed = errors.New("studio: room closed")
	// ErrBlobsKeyTimeout indicates a joiner that never saw the blobs key event.
	ErrBlobsKeyTimeout = errors.New("studio: timed out waiting for blobs core key")

	errMissingStorage = errors.New("storage directory is required")
)

// RoomError is the coded error returned by room operations.
type RoomError struct {
	code string
	err  error
}

func (e *RoomError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RoomError) Unwrap() error {
	return e.err
}

func (e *RoomError) Code() string {
	return e.code
}

func newRoomError(operation, reason string, cause error) error {
	return &RoomError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
