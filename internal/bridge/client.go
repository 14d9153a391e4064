package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

const (
	pushBufferSize = 64
	maxPushBytes   = 16 << 20
)

// Push is one message received from the worker.
type Push struct {
	Tag  string
	Data json.RawMessage
}

// Decode unmarshals the push payload into target.
func (p Push) Decode(target any) error {
	return json.Unmarshal(p.Data, target)
}

// Text returns the payload of string pushes such as invite, resumed and error.
func (p Push) Text() string {
	var text string
	if err := json.Unmarshal(p.Data, &text); err != nil {
		return ""
	}
	return text
}

// Client is the host side of a session. Requests are written as lines and
// pushes are delivered on a channel until the worker's output ends.
type Client struct {
	mu       sync.Mutex
	requests io.Writer
	pushes   chan Push

	errMu sync.Mutex
	err   error
}

// NewClient starts reading pushes from the worker.
func NewClient(requests io.Writer, pushes io.Reader) *Client {
	client := &Client{
		requests: requests,
		pushes:   make(chan Push, pushBufferSize),
	}
	go client.readPushes(pushes)
	return client
}

func (c *Client) readPushes(in io.Reader) {
	defer close(c.pushes)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, readBufferSize), maxPushBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var envelope Envelope
		if err := json.Unmarshal(line, &envelope); err != nil {
			c.setErr(err)
			return
		}
		c.pushes <- Push{Tag: envelope.Tag, Data: envelope.Data}
	}
	c.setErr(scanner.Err())
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Pushes is closed when the worker output ends; Err then tells why.
func (c *Client) Pushes() <-chan Push {
	return c.pushes
}

func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one request line.
func (c *Client) Send(tag string, data any) error {
	line, err := encodeLine(tag, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.requests.Write(line)
	return err
}

func (c *Client) Ready(documentDir, invite string) error {
	return c.Send(TagReady, readyRequest{DocumentDir: documentDir, Invite: invite})
}

func (c *Client) Resume(documentDir string) error {
	return c.Send(TagResume, documentDir)
}

func (c *Client) GetVideos(noLog bool) error {
	return c.Send(TagGetVideos, map[string]bool{"noLog": noLog})
}

func (c *Client) AddVideo(name, path string) error {
	return c.Send(TagAddVideo, addVideoRequest{Name: name, Path: path})
}

func (c *Client) GetMessages(noLog bool) error {
	return c.Send(TagGetMessages, map[string]bool{"noLog": noLog})
}

func (c *Client) AddMessage(text string, info map[string]any) error {
	return c.Send(TagAddMessage, addMessageRequest{Text: text, Info: info})
}

func (c *Client) Reset(documentDir string) error {
	return c.Send(TagReset, documentDir)
}
