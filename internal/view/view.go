// Package view holds the materialized collections produced by replaying room
// log entries through the dispatch router.
package view

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingCollection indicates that a collection name was empty.
	ErrMissingCollection = errors.New("view: collection name is required")
	// ErrMissingRecordID indicates that a record has no "id" field.
	ErrMissingRecordID = errors.New("view: record id is required")
	// ErrCursorConsumed indicates a second full read of a one-shot cursor.
	ErrCursorConsumed = errors.New("view: cursor already consumed")
)

// DB is the handle dispatch handlers and room queries use to touch the view.
type DB interface {
	// Insert stores record under its "id" field. Inserting an id that already
	// exists in the collection is a no-op.
	Insert(ctx context.Context, collection string, record any) error
	// Delete removes the record with the given id; absent ids are ignored.
	Delete(ctx context.Context, collection string, id string) error
	// Find returns a lazy cursor over the collection in delivery order.
	Find(ctx context.Context, collection string, opts FindOptions) *Cursor
}

// FindOptions shapes a Find query. A non-positive Limit means no limit.
type FindOptions struct {
	Reverse bool
	Limit   int
}

type recordIdentity struct {
	ID string `json:"id"`
}

// encodeRecord marshals a record and extracts its identifier.
func encodeRecord(collection string, record any) (string, string, error) {
	if strings.TrimSpace(collection) == "" {
		return "", "", ErrMissingCollection
	}
	var body []byte
	switch typed := record.(type) {
	case json.RawMessage:
		body = typed
	case []byte:
		body = typed
	default:
		encoded, err := json.Marshal(record)
		if err != nil {
			return "", "", fmt.Errorf("view: encode record: %w", err)
		}
		body = encoded
	}

	var identity recordIdentity
	if err := json.Unmarshal(body, &identity); err != nil {
		return "", "", fmt.Errorf("view: decode record id: %w", err)
	}
	if strings.TrimSpace(identity.ID) == "" {
		return "", "", ErrMissingRecordID
	}

	compact, err := json.Marshal(json.RawMessage(body))
	if err != nil {
		return "", "", fmt.Errorf("view: compact record: %w", err)
	}
	return identity.ID, string(compact), nil
}
