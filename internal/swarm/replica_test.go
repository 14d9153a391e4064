package swarm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// testLog is an in-memory LogReplica keyed by writer and seq.
type testLog struct {
	mu        sync.Mutex
	writer    string
	entries   []Entry
	seen      map[string]bool
	listeners map[int]func(Entry)
	nextID    int
}

func newTestLog(writer string) *testLog {
	return &testLog{writer: writer, seen: make(map[string]bool), listeners: make(map[int]func(Entry))}
}

func (l *testLog) append(payload string) Entry {
	l.mu.Lock()
	entry := Entry{ID: fmt.Sprintf("%s-%d", l.writer, len(l.entries)), Writer: l.writer, Seq: l.localLength() + 1, Payload: []byte(payload)}
	l.entries = append(l.entries, entry)
	l.seen[entryKey(entry)] = true
	listeners := l.snapshotListeners()
	l.mu.Unlock()
	for _, listener := range listeners {
		listener(entry)
	}
	return entry
}

func (l *testLog) localLength() int64 {
	var count int64
	for _, entry := range l.entries {
		if entry.Writer == l.writer {
			count++
		}
	}
	return count
}

func (l *testLog) Entries(context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...), nil
}

func (l *testLog) Ingest(_ context.Context, entries []Entry) (int, error) {
	l.mu.Lock()
	added := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if l.seen[entryKey(entry)] {
			continue
		}
		l.seen[entryKey(entry)] = true
		l.entries = append(l.entries, entry)
		added = append(added, entry)
	}
	listeners := l.snapshotListeners()
	l.mu.Unlock()
	for _, entry := range added {
		for _, listener := range listeners {
			listener(entry)
		}
	}
	return len(added), nil
}

func (l *testLog) OnAppend(fn func(Entry)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *testLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *testLog) snapshotListeners() []func(Entry) {
	listeners := make([]func(Entry), 0, len(l.listeners))
	for _, listener := range l.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func entryKey(entry Entry) string {
	return fmt.Sprintf("%s/%d", entry.Writer, entry.Seq)
}

// testBlobs is an in-memory BlobReplica.
type testBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newTestBlobs() *testBlobs {
	return &testBlobs{blobs: make(map[string][]byte)}
}

func (b *testBlobs) add(content []byte) string {
	digest := sha256.Sum256(content)
	hash := hex.EncodeToString(digest[:])
	b.mu.Lock()
	b.blobs[hash] = append([]byte(nil), content...)
	b.mu.Unlock()
	return hash
}

func (b *testBlobs) Has(hash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[hash]
	return ok
}

func (b *testBlobs) OpenBlob(hash string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.blobs[hash]
	if !ok {
		return nil, ErrBlobUnavailable
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (b *testBlobs) Put(_ context.Context, hash string, source io.Reader) error {
	content, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.blobs[hash] = content
	b.mu.Unlock()
	return nil
}
