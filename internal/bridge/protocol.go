// Package bridge speaks the line framed JSON protocol between a host process
// and the room worker. Every line carries one {tag, data} envelope.
package bridge

import (
	"encoding/json"
	"errors"
	"path/filepath"
)

// Request tags sent by the host.
const (
	TagReady       = "ready"
	TagResume      = "resume"
	TagGetVideos   = "get-videos"
	TagAddVideo    = "add-video"
	TagGetMessages = "get-messages"
	TagAddMessage  = "add-message"
	TagReset       = "reset"
)

// Push tags sent by the worker.
const (
	TagResumed  = "resumed"
	TagInvite   = "invite"
	TagVideos   = "videos"
	TagMessages = "messages"
	TagError    = "error"
	TagLog      = "log"
)

var (
	// ErrRoomNotFound answers room requests that arrive before ready or resume.
	ErrRoomNotFound = errors.New("Room not found")
	// ErrUnknownMessage answers an unrecognized request tag.
	ErrUnknownMessage = errors.New("Unknown message")
	// ErrMalformedMessage reports a line that is not a JSON envelope.
	ErrMalformedMessage = errors.New("bridge: malformed message")
	// ErrFatal ends a session after a fault inside request handling.
	ErrFatal = errors.New("bridge: fatal worker fault")
	// ErrMessageTooLarge answers a request line longer than the framing limit.
	// The line is dropped and the session keeps serving.
	ErrMessageTooLarge = errors.New("bridge: message too large")
)

// Envelope is one protocol line.
type Envelope struct {
	Tag  string          `json:"tag"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NoLog reports whether the sender asked not to have the envelope echoed.
func (e Envelope) NoLog() bool {
	var flags struct {
		NoLog bool `json:"noLog"`
	}
	if len(e.Data) == 0 || e.Data[0] != '{' {
		return false
	}
	if err := json.Unmarshal(e.Data, &flags); err != nil {
		return false
	}
	return flags.NoLog
}

type readyRequest struct {
	DocumentDir string `json:"documentDir" validate:"required"`
	Invite      string `json:"invite"`
}

type addVideoRequest struct {
	Name string `json:"name" validate:"required"`
	Path string `json:"path" validate:"required"`
}

type addMessageRequest struct {
	Text string         `json:"text"`
	Info map[string]any `json:"info"`
}

// StoragePath is where a room lives under the host's document directory.
func StoragePath(documentDir string) string {
	return filepath.Join(documentDir, "mini-studio", "storage")
}

func encodeLine(tag string, data any) ([]byte, error) {
	line, err := json.Marshal(struct {
		Tag  string `json:"tag"`
		Data any    `json:"data"`
	}{Tag: tag, Data: data})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
