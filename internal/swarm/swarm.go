// Package swarm replicates room logs and blob stores between peers that join
// the same discovery topic.
package swarm

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"sync"
)

var (
	// ErrBlobUnavailable indicates that no peer on the topic holds the blob.
	ErrBlobUnavailable = errors.New("swarm: blob unavailable from peers")
	// ErrNotJoined indicates an operation on a topic the node never joined.
	ErrNotJoined = errors.New("swarm: topic not joined")
	// ErrInvalidMember indicates a member exposing no replica capability.
	ErrInvalidMember = errors.New("swarm: member replicates nothing")
	// ErrClosed indicates use of a closed swarm.
	ErrClosed = errors.New("swarm: closed")
)

// Entry is one replicated log record. Writer and Seq identify it across peers.
type Entry struct {
	ID      string `json:"id"`
	Writer  string `json:"writer"`
	Seq     int64  `json:"seq"`
	Payload []byte `json:"payload"`
}

// LogReplica is a member that exchanges log entries.
type LogReplica interface {
	// Entries returns every entry the replica holds.
	Entries(ctx context.Context) ([]Entry, error)
	// Ingest applies remote entries, skipping ones already held, and reports
	// how many were new.
	Ingest(ctx context.Context, entries []Entry) (int, error)
	// OnAppend registers a callback for every newly committed entry, local or
	// ingested. The returned func unregisters it.
	OnAppend(fn func(Entry)) func()
}

// BlobReplica is a member that serves and accepts blobs.
type BlobReplica interface {
	Has(hash string) bool
	OpenBlob(hash string) (io.ReadCloser, error)
	Put(ctx context.Context, hash string, source io.Reader) error
}

// Swarm is a peer network partitioned by discovery topic.
type Swarm interface {
	// Join announces member on topic. The member must implement LogReplica,
	// BlobReplica or both.
	Join(ctx context.Context, topic []byte, member any) error
	Leave(topic []byte) error
	// FetchBlob streams a blob held by some other peer on topic.
	FetchBlob(ctx context.Context, topic []byte, hash string) (io.ReadCloser, error)
	Close() error
}

// TopicName renders a topic the way peers exchange it.
func TopicName(topic []byte) string {
	return hex.EncodeToString(topic)
}

type membership struct {
	log       LogReplica
	blobs     BlobReplica
	topicName string

	mu       sync.Mutex
	unhook   func()
	released bool
}

func newMembership(topic []byte, member any) (*membership, error) {
	entry := &membership{topicName: TopicName(topic)}
	if replica, ok := member.(LogReplica); ok {
		entry.log = replica
	}
	if replica, ok := member.(BlobReplica); ok {
		entry.blobs = replica
	}
	if entry.log == nil && entry.blobs == nil {
		return nil, ErrInvalidMember
	}
	return entry, nil
}

// hook stores the OnAppend cancel func. A membership already released
// cancels it at once.
func (m *membership) hook(unhook func()) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		unhook()
		return
	}
	m.unhook = unhook
	m.mu.Unlock()
}

// release cancels the OnAppend hook. Only the first call has an effect.
func (m *membership) release() {
	m.mu.Lock()
	unhook := m.unhook
	m.unhook = nil
	m.released = true
	m.mu.Unlock()
	if unhook != nil {
		unhook()
	}
}
