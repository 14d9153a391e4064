// Package dispatch maps log entry tags to the handlers that fold them into the
// materialized view.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/ministudio/internal/view"
)

var (
	// ErrUnknownTag indicates an entry whose tag has no registered handler.
	ErrUnknownTag = errors.New("dispatch: unknown tag")
	// ErrDuplicateTag indicates a second registration for the same tag.
	ErrDuplicateTag = errors.New("dispatch: tag already registered")
	// ErrInvalidHandler indicates an empty tag or a nil handler.
	ErrInvalidHandler = errors.New("dispatch: invalid handler")
)

// Handler folds one decoded payload into the view. Handlers must be
// idempotent: a redelivered entry is applied again.
type Handler func(ctx context.Context, data json.RawMessage, db view.DB) error

// Router is the tag to handler table consulted during log replay.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Tag builds a namespaced action tag such as "@ministudio/add-video".
func Tag(namespace, action string) string {
	return "@" + namespace + "/" + action
}

// Register binds handler to tag.
func (r *Router) Register(tag string, handler Handler) error {
	if strings.TrimSpace(tag) == "" || handler == nil {
		return ErrInvalidHandler
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[tag]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
	}
	r.handlers[tag] = handler
	return nil
}

// Has reports whether tag has a handler.
func (r *Router) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[tag]
	return ok
}

// Tags lists registered tags in lexical order.
func (r *Router) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Apply runs the handler registered for tag.
func (r *Router) Apply(ctx context.Context, tag string, data json.RawMessage, db view.DB) error {
	r.mu.RLock()
	handler, ok := r.handlers[tag]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	return handler(ctx, data, db)
}

// Dispatch decodes an encoded entry and applies it.
func (r *Router) Dispatch(ctx context.Context, entry []byte, db view.DB) (string, error) {
	tag, data, err := Decode(entry)
	if err != nil {
		return "", err
	}
	return tag, r.Apply(ctx, tag, data, db)
}

// InsertInto returns a handler inserting the payload into collection.
func InsertInto(collection string) Handler {
	return func(ctx context.Context, data json.RawMessage, db view.DB) error {
		return db.Insert(ctx, collection, data)
	}
}

// DeleteFrom returns a handler deleting the payload's id from collection.
func DeleteFrom(collection string) Handler {
	return func(ctx context.Context, data json.RawMessage, db view.DB) error {
		var target struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &target); err != nil {
			return fmt.Errorf("dispatch: decode delete target: %w", err)
		}
		return db.Delete(ctx, collection, target.ID)
	}
}
