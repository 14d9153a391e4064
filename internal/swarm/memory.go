package swarm

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// MemoryNetwork connects in-process nodes. Entries propagate synchronously
// after they commit, so tests observe replication without polling.
type MemoryNetwork struct {
	mu     sync.RWMutex
	nodes  map[*MemoryNode]struct{}
	logger *zap.Logger
}

func NewMemoryNetwork(logger *zap.Logger) *MemoryNetwork {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryNetwork{nodes: make(map[*MemoryNode]struct{}), logger: logger}
}

// Node attaches a new peer to the network.
func (n *MemoryNetwork) Node() *MemoryNode {
	node := &MemoryNode{network: n, topics: make(map[string]*membership)}
	n.mu.Lock()
	n.nodes[node] = struct{}{}
	n.mu.Unlock()
	return node
}

// peers returns the memberships other nodes hold on topic.
func (n *MemoryNetwork) peers(self *MemoryNode, topic string) []*membership {
	n.mu.RLock()
	nodes := make([]*MemoryNode, 0, len(n.nodes))
	for node := range n.nodes {
		if node != self {
			nodes = append(nodes, node)
		}
	}
	n.mu.RUnlock()

	members := make([]*membership, 0, len(nodes))
	for _, node := range nodes {
		if member := node.member(topic); member != nil {
			members = append(members, member)
		}
	}
	return members
}

func (n *MemoryNetwork) detach(node *MemoryNode) {
	n.mu.Lock()
	delete(n.nodes, node)
	n.mu.Unlock()
}

// MemoryNode is one peer of a MemoryNetwork.
type MemoryNode struct {
	network *MemoryNetwork

	mu     sync.RWMutex
	topics map[string]*membership
	closed bool
}

func (m *MemoryNode) Join(ctx context.Context, topic []byte, member any) error {
	entry, err := newMembership(topic, member)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if previous := m.topics[entry.topicName]; previous != nil {
		previous.release()
	}
	m.topics[entry.topicName] = entry
	m.mu.Unlock()

	if entry.log == nil {
		return nil
	}
	if err := m.backfill(ctx, entry); err != nil {
		return err
	}
	entry.hook(entry.log.OnAppend(func(appended Entry) {
		m.broadcast(entry.topicName, appended)
	}))
	return nil
}

// backfill exchanges full histories with every peer already on the topic.
func (m *MemoryNode) backfill(ctx context.Context, entry *membership) error {
	local, err := entry.log.Entries(ctx)
	if err != nil {
		return err
	}
	for _, peer := range m.network.peers(m, entry.topicName) {
		if peer.log == nil {
			continue
		}
		remote, err := peer.log.Entries(ctx)
		if err != nil {
			return err
		}
		if _, err := entry.log.Ingest(ctx, remote); err != nil {
			return err
		}
		if _, err := peer.log.Ingest(ctx, local); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryNode) broadcast(topic string, appended Entry) {
	for _, peer := range m.network.peers(m, topic) {
		if peer.log == nil {
			continue
		}
		if _, err := peer.log.Ingest(context.Background(), []Entry{appended}); err != nil {
			m.network.logger.Warn("memory swarm ingest failed",
				zap.String("topic", topic),
				zap.String("writer", appended.Writer),
				zap.Int64("seq", appended.Seq),
				zap.Error(err))
		}
	}
}

func (m *MemoryNode) Leave(topic []byte) error {
	name := TopicName(topic)
	m.mu.Lock()
	entry, ok := m.topics[name]
	delete(m.topics, name)
	m.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	entry.release()
	return nil
}

func (m *MemoryNode) FetchBlob(ctx context.Context, topic []byte, hash string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, peer := range m.network.peers(m, TopicName(topic)) {
		if peer.blobs == nil || !peer.blobs.Has(hash) {
			continue
		}
		return peer.blobs.OpenBlob(hash)
	}
	return nil, ErrBlobUnavailable
}

func (m *MemoryNode) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	topics := m.topics
	m.topics = make(map[string]*membership)
	m.mu.Unlock()
	for _, entry := range topics {
		entry.release()
	}
	m.network.detach(m)
	return nil
}

func (m *MemoryNode) member(topic string) *membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topics[topic]
}
