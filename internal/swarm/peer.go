package swarm

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4 * blobChunkSize
	sendQueueSize  = 256
)

// peer is one websocket connection to another mesh node.
type peer struct {
	conn     *websocket.Conn
	endpoint string
	send     chan frame
	done     chan struct{}
	logger   *zap.Logger

	mu        sync.RWMutex
	node      string
	topics    map[string]bool
	announced map[string]bool
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, endpoint string, logger *zap.Logger) *peer {
	return &peer{
		conn:      conn,
		endpoint:  endpoint,
		send:      make(chan frame, sendQueueSize),
		done:      make(chan struct{}),
		logger:    logger,
		topics:    make(map[string]bool),
		announced: make(map[string]bool),
	}
}

// queue hands a frame to the write pump, blocking while the queue is full.
func (p *peer) queue(message frame) bool {
	select {
	case p.send <- message:
		return true
	case <-p.done:
		return false
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case message := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(message); err != nil {
				p.logger.Debug("swarm peer write failed", zap.String("endpoint", p.endpoint), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// readPump delivers inbound frames to handle until the connection fails.
func (p *peer) readPump(handle func(*peer, frame)) {
	defer p.close()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var message frame
		if err := p.conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				p.logger.Debug("swarm peer read failed", zap.String("endpoint", p.endpoint), zap.Error(err))
			}
			return
		}
		handle(p, message)
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) setNode(node string) {
	p.mu.Lock()
	p.node = node
	p.mu.Unlock()
}

func (p *peer) nodeID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.node
}

func (p *peer) setTopic(topic string, joined bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if joined {
		p.topics[topic] = true
		return
	}
	delete(p.topics, topic)
}

func (p *peer) hasTopic(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.topics[topic]
}

// markAnnounced records that topic was announced and reports whether this is
// the first announcement.
func (p *peer) markAnnounced(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.announced[topic] {
		return false
	}
	p.announced[topic] = true
	return true
}

func (p *peer) forgetAnnounced(topic string) {
	p.mu.Lock()
	delete(p.announced, topic)
	p.mu.Unlock()
}
