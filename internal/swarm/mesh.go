package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const meshPath = "/swarm"

// MeshConfig configures a websocket mesh node.
type MeshConfig struct {
	// ListenAddress accepts inbound peers when set, e.g. "0.0.0.0:7420".
	ListenAddress string
	Directory     Directory
	Logger        *zap.Logger
	Dialer        *websocket.Dialer
}

// Mesh replicates over websocket connections to peers found in a Directory.
type Mesh struct {
	nodeID    string
	directory Directory
	logger    *zap.Logger
	dialer    *websocket.Dialer
	upgrader  websocket.Upgrader

	listener net.Listener
	server   *http.Server
	endpoint string
	group    errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	topics  map[string]*membership
	peers   map[*peer]struct{}
	dialed  map[string]bool
	pending map[uint64]*pendingFetch
	closed  bool

	nextRequest atomic.Uint64
}

// NewMesh starts a mesh node, listening when an address is configured.
func NewMesh(cfg MeshConfig) (*Mesh, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	directory := cfg.Directory
	if directory == nil {
		directory = NewStaticDirectory(nil)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	mesh := &Mesh{
		nodeID:    uuid.NewString(),
		directory: directory,
		logger:    logger,
		dialer:    dialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		topics:  make(map[string]*membership),
		peers:   make(map[*peer]struct{}),
		dialed:  make(map[string]bool),
		pending: make(map[uint64]*pendingFetch),
	}

	if cfg.ListenAddress != "" {
		listener, err := net.Listen("tcp", cfg.ListenAddress)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("swarm: listen: %w", err)
		}
		mesh.listener = listener
		mesh.endpoint = "ws://" + listener.Addr().String() + meshPath
		mesh.server = &http.Server{Handler: mesh.Handler()}
		mesh.group.Go(func() error {
			if err := mesh.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		logger.Info("swarm mesh listening", zap.String("endpoint", mesh.endpoint))
	}
	return mesh, nil
}

// Endpoint is the websocket URL other peers dial, empty without a listener.
func (m *Mesh) Endpoint() string {
	return m.endpoint
}

// Handler upgrades inbound peers on /swarm.
func (m *Mesh) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(meshPath, m.handleUpgrade)
	return router
}

func (m *Mesh) handleUpgrade(c *gin.Context) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("swarm upgrade failed", zap.Error(err))
		return
	}
	m.attach(conn, c.Request.RemoteAddr)
}

// Connect dials endpoint unless it is this node or already connected.
func (m *Mesh) Connect(ctx context.Context, endpoint string) error {
	if endpoint == "" || endpoint == m.endpoint {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.dialed[endpoint] {
		m.mu.Unlock()
		return nil
	}
	m.dialed[endpoint] = true
	m.mu.Unlock()

	conn, _, err := m.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		m.mu.Lock()
		delete(m.dialed, endpoint)
		m.mu.Unlock()
		return fmt.Errorf("swarm: dial %s: %w", endpoint, err)
	}
	m.attach(conn, endpoint)
	return nil
}

func (m *Mesh) attach(conn *websocket.Conn, endpoint string) {
	connected := newPeer(conn, endpoint, m.logger)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.peers[connected] = struct{}{}
	topics := make([]string, 0, len(m.topics))
	for name := range m.topics {
		topics = append(topics, name)
	}
	m.mu.Unlock()

	m.group.Go(func() error {
		connected.writePump()
		return nil
	})
	m.group.Go(func() error {
		connected.readPump(m.handleFrame)
		m.detach(connected)
		return nil
	})

	connected.queue(frame{Type: frameHello, Node: m.nodeID})
	for _, name := range topics {
		if connected.markAnnounced(name) {
			connected.queue(frame{Type: frameJoin, Topic: name})
		}
	}
}

func (m *Mesh) detach(gone *peer) {
	m.mu.Lock()
	delete(m.peers, gone)
	if gone.endpoint != "" {
		delete(m.dialed, gone.endpoint)
	}
	var orphaned []*pendingFetch
	for request, fetch := range m.pending {
		if fetch.peer == gone {
			orphaned = append(orphaned, fetch)
			delete(m.pending, request)
		}
	}
	m.mu.Unlock()
	for _, fetch := range orphaned {
		fetch.fail(ErrBlobUnavailable)
	}
}

func (m *Mesh) Join(ctx context.Context, topic []byte, member any) error {
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

	if entry.log != nil {
		entry.hook(entry.log.OnAppend(func(appended Entry) {
			m.broadcast(entry.topicName, frame{Type: frameEntries, Topic: entry.topicName, Entries: []Entry{appended}})
		}))
	}

	if m.endpoint != "" {
		if err := m.directory.Announce(ctx, entry.topicName, m.endpoint); err != nil {
			m.logger.Warn("swarm announce failed", zap.String("topic", entry.topicName), zap.Error(err))
		}
	}
	endpoints, err := m.directory.Peers(ctx, entry.topicName)
	if err != nil {
		m.logger.Warn("swarm peer lookup failed", zap.String("topic", entry.topicName), zap.Error(err))
	}
	for _, endpoint := range endpoints {
		if err := m.Connect(ctx, endpoint); err != nil {
			m.logger.Info("swarm peer unreachable", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}

	for _, connected := range m.connectedPeers() {
		if connected.markAnnounced(entry.topicName) {
			connected.queue(frame{Type: frameJoin, Topic: entry.topicName})
		}
	}
	return nil
}

func (m *Mesh) Leave(topic []byte) error {
	name := TopicName(topic)
	m.mu.Lock()
	entry, ok := m.topics[name]
	delete(m.topics, name)
	m.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	entry.release()
	for _, connected := range m.connectedPeers() {
		connected.forgetAnnounced(name)
		connected.queue(frame{Type: frameLeave, Topic: name})
	}
	if m.endpoint != "" {
		if err := m.directory.Withdraw(context.Background(), name, m.endpoint); err != nil {
			m.logger.Warn("swarm withdraw failed", zap.String("topic", name), zap.Error(err))
		}
	}
	return nil
}

func (m *Mesh) FetchBlob(ctx context.Context, topic []byte, hash string) (io.ReadCloser, error) {
	name := TopicName(topic)
	for _, connected := range m.connectedPeers() {
		if !connected.hasTopic(name) {
			continue
		}
		reader, found, err := m.requestBlob(ctx, connected, name, hash)
		if err != nil {
			return nil, err
		}
		if found {
			return reader, nil
		}
	}
	return nil, ErrBlobUnavailable
}

func (m *Mesh) requestBlob(ctx context.Context, target *peer, topic, hash string) (io.ReadCloser, bool, error) {
	request := m.nextRequest.Add(1)
	fetch := newPendingFetch(target)
	m.mu.Lock()
	m.pending[request] = fetch
	m.mu.Unlock()

	if !target.queue(frame{Type: frameWantBlob, Topic: topic, Hash: hash, Request: request}) {
		m.dropPending(request)
		return nil, false, nil
	}

	select {
	case found := <-fetch.first:
		if !found {
			m.dropPending(request)
			return nil, false, nil
		}
		stop := context.AfterFunc(ctx, func() {
			fetch.fail(ctx.Err())
		})
		return &fetchReader{PipeReader: fetch.reader, release: func() {
			stop()
			m.dropPending(request)
		}}, true, nil
	case <-ctx.Done():
		m.dropPending(request)
		fetch.fail(ctx.Err())
		return nil, false, ctx.Err()
	}
}

func (m *Mesh) dropPending(request uint64) {
	m.mu.Lock()
	delete(m.pending, request)
	m.mu.Unlock()
}

func (m *Mesh) pendingFetch(request uint64) *pendingFetch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending[request]
}

func (m *Mesh) handleFrame(from *peer, message frame) {
	switch message.Type {
	case frameHello:
		if message.Node == m.nodeID {
			from.close()
			return
		}
		from.setNode(message.Node)
	case frameJoin:
		from.setTopic(message.Topic, true)
		local := m.member(message.Topic)
		if local == nil {
			return
		}
		if from.markAnnounced(message.Topic) {
			from.queue(frame{Type: frameJoin, Topic: message.Topic})
		}
		if local.log != nil {
			m.sendHistory(from, message.Topic, local.log)
		}
	case frameLeave:
		from.setTopic(message.Topic, false)
	case frameEntries:
		local := m.member(message.Topic)
		if local == nil || local.log == nil || len(message.Entries) == 0 {
			return
		}
		if _, err := local.log.Ingest(m.ctx, message.Entries); err != nil {
			m.logger.Warn("swarm ingest failed",
				zap.String("topic", message.Topic),
				zap.String("peer", from.nodeID()),
				zap.Error(err))
		}
	case frameWantBlob:
		local := m.member(message.Topic)
		if local == nil || local.blobs == nil || !local.blobs.Has(message.Hash) {
			from.queue(frame{Type: frameBlobChunk, Request: message.Request, Missing: true})
			return
		}
		m.group.Go(func() error {
			m.serveBlob(from, local.blobs, message)
			return nil
		})
	case frameBlobChunk:
		fetch := m.pendingFetch(message.Request)
		if fetch == nil {
			return
		}
		if message.Missing {
			fetch.resolve(false)
			return
		}
		fetch.resolve(true)
		if len(message.Chunk) > 0 {
			if err := fetch.write(message.Chunk); err != nil {
				m.dropPending(message.Request)
				return
			}
		}
		if message.EOF {
			fetch.finish()
			m.dropPending(message.Request)
		}
	default:
		m.logger.Debug("swarm ignoring unknown frame", zap.String("type", message.Type))
	}
}

func (m *Mesh) sendHistory(to *peer, topic string, replica LogReplica) {
	entries, err := replica.Entries(m.ctx)
	if err != nil {
		m.logger.Warn("swarm history read failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	for _, batch := range batchEntries(entries) {
		if !to.queue(frame{Type: frameEntries, Topic: topic, Entries: batch}) {
			return
		}
	}
}

func (m *Mesh) serveBlob(to *peer, replica BlobReplica, request frame) {
	reader, err := replica.OpenBlob(request.Hash)
	if err != nil {
		to.queue(frame{Type: frameBlobChunk, Request: request.Request, Missing: true})
		return
	}
	defer reader.Close()

	buffer := make([]byte, blobChunkSize)
	for {
		n, readErr := io.ReadFull(reader, buffer)
		chunk := append([]byte(nil), buffer[:n]...)
		last := readErr == io.EOF || readErr == io.ErrUnexpectedEOF
		if readErr != nil && !last {
			m.logger.Warn("swarm blob read failed", zap.String("hash", request.Hash), zap.Error(readErr))
			to.close()
			return
		}
		if !to.queue(frame{Type: frameBlobChunk, Request: request.Request, Chunk: chunk, EOF: last}) {
			return
		}
		if last {
			return
		}
	}
}

func (m *Mesh) broadcast(topic string, message frame) {
	for _, connected := range m.connectedPeers() {
		if connected.hasTopic(topic) {
			connected.queue(message)
		}
	}
}

func (m *Mesh) member(topic string) *membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topics[topic]
}

func (m *Mesh) connectedPeers() []*peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peers := make([]*peer, 0, len(m.peers))
	for connected := range m.peers {
		peers = append(peers, connected)
	}
	return peers
}

// Close disconnects every peer and stops listening.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	topics := m.topics
	m.topics = make(map[string]*membership)
	m.mu.Unlock()

	for name, entry := range topics {
		entry.release()
		if m.endpoint != "" {
			_ = m.directory.Withdraw(context.Background(), name, m.endpoint)
		}
	}
	m.cancel()
	if m.server != nil {
		_ = m.server.Close()
	}
	for _, connected := range m.connectedPeers() {
		connected.close()
	}
	err := m.group.Wait()
	if closeErr := m.directory.Close(); err == nil {
		err = closeErr
	}
	return err
}
