package view

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process view with the same semantics as Store. It backs
// deterministic replay in tests.
type Memory struct {
	mu          sync.Mutex
	next        int64
	collections map[string][]Record
}

// NewMemory returns an empty in-memory view.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]Record)}
}

// Insert implements DB.
func (m *Memory) Insert(_ context.Context, collection string, record any) error {
	recordID, body, err := encodeRecord(collection, record)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.collections[collection] {
		if existing.RecordID == recordID {
			return nil
		}
	}
	m.next++
	m.collections[collection] = append(m.collections[collection], Record{
		Position:   m.next,
		Collection: collection,
		RecordID:   recordID,
		BodyJSON:   body,
	})
	return nil
}

// Delete implements DB.
func (m *Memory) Delete(_ context.Context, collection string, id string) error {
	if collection == "" {
		return ErrMissingCollection
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.collections[collection]
	kept := records[:0]
	for _, record := range records {
		if record.RecordID != id {
			kept = append(kept, record)
		}
	}
	m.collections[collection] = kept
	return nil
}

// Find implements DB.
func (m *Memory) Find(ctx context.Context, collection string, opts FindOptions) *Cursor {
	if collection == "" {
		return failedCursor(ErrMissingCollection)
	}
	load := func(_ context.Context, position int64, started bool, size int) ([]Record, error) {
		m.mu.Lock()
		snapshot := append([]Record(nil), m.collections[collection]...)
		m.mu.Unlock()

		sort.Slice(snapshot, func(i, j int) bool {
			if opts.Reverse {
				return snapshot[i].Position > snapshot[j].Position
			}
			return snapshot[i].Position < snapshot[j].Position
		})
		page := make([]Record, 0, size)
		for _, record := range snapshot {
			if started && opts.Reverse && record.Position >= position {
				continue
			}
			if started && !opts.Reverse && record.Position <= position {
				continue
			}
			page = append(page, record)
			if len(page) == size {
				break
			}
		}
		return page, nil
	}
	return newCursor(ctx, load, opts.Limit)
}

// Count returns the number of records in a collection.
func (m *Memory) Count(_ context.Context, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.collections[collection])), nil
}
