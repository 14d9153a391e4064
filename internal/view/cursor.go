package view

import (
	"bytes"
	"context"
	"encoding/json"
)

const pageSize = 32

// pageLoader fetches up to size records positioned strictly after (or, for
// reverse cursors, before) the given position. started is false on the first
// call, when no position has been seen yet.
type pageLoader func(ctx context.Context, position int64, started bool, size int) ([]Record, error)

// Cursor lazily walks a collection one page at a time. It is finite and
// one-shot: once drained it cannot be restarted.
type Cursor struct {
	ctx       context.Context
	load      pageLoader
	remaining int
	started   bool
	position  int64
	page      []Record
	index     int
	lastPage  bool
	current   Record
	err       error
	done      bool
	consumed  bool
}

func newCursor(ctx context.Context, load pageLoader, limit int) *Cursor {
	remaining := limit
	if remaining <= 0 {
		remaining = -1
	}
	return &Cursor{ctx: ctx, load: load, remaining: remaining}
}

func failedCursor(err error) *Cursor {
	return &Cursor{err: err, done: true}
}

// Next advances to the next record, loading a new page when needed.
func (c *Cursor) Next() bool {
	if c.err != nil || c.done {
		return false
	}
	if c.remaining == 0 {
		c.done = true
		return false
	}
	if c.index >= len(c.page) {
		if c.lastPage {
			c.done = true
			return false
		}
		size := pageSize
		if c.remaining > 0 && c.remaining < size {
			size = c.remaining
		}
		records, err := c.load(c.ctx, c.position, c.started, size)
		if err != nil {
			c.err = err
			return false
		}
		c.started = true
		if len(records) == 0 {
			c.done = true
			return false
		}
		c.page = records
		c.index = 0
		c.lastPage = len(records) < size
	}

	c.current = c.page[c.index]
	c.index++
	c.position = c.current.Position
	if c.remaining > 0 {
		c.remaining--
	}
	return true
}

// Raw returns the JSON body of the current record.
func (c *Cursor) Raw() json.RawMessage {
	return json.RawMessage(c.current.BodyJSON)
}

// Decode unmarshals the current record into dst.
func (c *Cursor) Decode(dst any) error {
	return json.Unmarshal([]byte(c.current.BodyJSON), dst)
}

// Err reports the first loading error, if any.
func (c *Cursor) Err() error {
	return c.err
}

// ToArray drains the cursor and returns the raw record bodies.
func (c *Cursor) ToArray() ([]json.RawMessage, error) {
	if c.consumed {
		return nil, ErrCursorConsumed
	}
	c.consumed = true

	records := make([]json.RawMessage, 0)
	for c.Next() {
		records = append(records, c.Raw())
	}
	if c.err != nil {
		return nil, c.err
	}
	return records, nil
}

// All drains the cursor into dst, which must point to a slice.
func (c *Cursor) All(dst any) error {
	records, err := c.ToArray()
	if err != nil {
		return err
	}
	return json.Unmarshal(joinArray(records), dst)
}

func joinArray(records []json.RawMessage) []byte {
	var buffer bytes.Buffer
	buffer.WriteByte('[')
	for index, record := range records {
		if index > 0 {
			buffer.WriteByte(',')
		}
		buffer.Write(record)
	}
	buffer.WriteByte(']')
	return buffer.Bytes()
}
