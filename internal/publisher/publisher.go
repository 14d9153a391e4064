// Package publisher serves blob store contents over local HTTP so media
// players can stream them by URL.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/ministudio/internal/blobs"
)

const (
	defaultAddress = "127.0.0.1:0"
	fetchTimeout   = 5 * time.Minute
)

var (
	// ErrNotListening indicates Listen has not succeeded yet.
	ErrNotListening = errors.New("publisher: not listening")
	// ErrClosed indicates use of a closed publisher.
	ErrClosed = errors.New("publisher: closed")
)

// Fetcher pulls a blob from remote peers sharing topic.
type Fetcher interface {
	FetchBlob(ctx context.Context, topic []byte, hash string) (io.ReadCloser, error)
}

// Config wires a publisher.
type Config struct {
	Address string
	Fetcher Fetcher
	Logger  *zap.Logger
}

// Publisher maps (store, locator, content type) to fetchable URLs.
type Publisher struct {
	address string
	fetcher Fetcher
	logger  *zap.Logger
	flight  singleflight.Group

	mu      sync.RWMutex
	stores  map[string]*blobs.Store
	server  *http.Server
	baseURL string
	closed  bool
}

func New(cfg Config) *Publisher {
	address := cfg.Address
	if address == "" {
		address = defaultAddress
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		address: address,
		fetcher: cfg.Fetcher,
		logger:  logger,
		stores:  make(map[string]*blobs.Store),
	}
}

// Serve makes store reachable under its id.
func (p *Publisher) Serve(store *blobs.Store) {
	p.mu.Lock()
	p.stores[store.ID()] = store
	p.mu.Unlock()
}

// Unserve stops answering for storeID.
func (p *Publisher) Unserve(storeID string) {
	p.mu.Lock()
	delete(p.stores, storeID)
	p.mu.Unlock()
}

// Handler exposes the blob routes, mainly for tests.
func (p *Publisher) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowHeaders:  []string{"Range"},
		ExposeHeaders: []string{"Content-Length", "Content-Range", "Accept-Ranges"},
		MaxAge:        12 * time.Hour,
	}))
	router.GET("/blobs/:store/:hash", p.handleBlob)
	router.HEAD("/blobs/:store/:hash", p.handleBlob)
	return router
}

// Listen binds the configured address and starts serving in the background.
func (p *Publisher) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.server != nil {
		return nil
	}
	listener, err := net.Listen("tcp", p.address)
	if err != nil {
		return fmt.Errorf("publisher: listen: %w", err)
	}
	p.server = &http.Server{Handler: p.Handler(), ReadHeaderTimeout: 10 * time.Second}
	p.baseURL = "http://" + listener.Addr().String()
	server := p.server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("publisher stopped", zap.Error(err))
		}
	}()
	p.logger.Info("publisher listening", zap.String("base_url", p.baseURL))
	return nil
}

// BaseURL is the scheme and host links point at, empty before Listen.
func (p *Publisher) BaseURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.baseURL
}

// GetLink returns the URL serving locator from storeID with contentType.
func (p *Publisher) GetLink(storeID string, locator blobs.Locator, contentType string) string {
	base := p.BaseURL()
	if base == "" {
		return ""
	}
	link := base + "/blobs/" + url.PathEscape(storeID) + "/" + url.PathEscape(locator.Hash)
	if contentType != "" {
		link += "?" + url.Values{"type": []string{contentType}}.Encode()
	}
	return link
}

// Close stops serving. Requests already streaming may fail.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	server := p.server
	p.stores = make(map[string]*blobs.Store)
	p.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return server.Close()
	}
	return nil
}

func (p *Publisher) handleBlob(c *gin.Context) {
	storeID := c.Param("store")
	hash := c.Param("hash")
	if err := blobs.ValidateHash(hash); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hash"})
		return
	}

	p.mu.RLock()
	store, ok := p.stores[storeID]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "closed"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_store"})
		return
	}

	if !store.Has(hash) {
		if err := p.fetchRemote(c.Request.Context(), store, hash); err != nil {
			p.logger.Warn("publisher blob unavailable",
				zap.String("store", storeID),
				zap.String("hash", hash),
				zap.Error(err))
			c.JSON(http.StatusNotFound, gin.H{"error": "blob_unavailable"})
			return
		}
	}

	file, err := store.Open(hash)
	if err != nil {
		p.logger.Error("publisher open failed", zap.String("hash", hash), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "blob_unavailable"})
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stat_failed"})
		return
	}

	contentType := c.Query("type")
	if contentType == "" {
		detected, detectErr := mimetype.DetectReader(file)
		if detectErr == nil {
			contentType = detected.String()
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "seek_failed"})
			return
		}
	}
	if contentType != "" {
		c.Header("Content-Type", contentType)
	}
	c.Header("ETag", `"`+hash+`"`)
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(c.Writer, c.Request, hash, info.ModTime(), file)
}

// fetchRemote pulls a missing blob from peers once, however many requests
// ask for it concurrently.
func (p *Publisher) fetchRemote(ctx context.Context, store *blobs.Store, hash string) error {
	if p.fetcher == nil {
		return blobs.ErrNotFound
	}
	result := p.flight.DoChan(store.ID()+"/"+hash, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		source, err := p.fetcher.FetchBlob(fetchCtx, store.DiscoveryKey(), hash)
		if err != nil {
			return nil, err
		}
		defer source.Close()
		return nil, store.Put(fetchCtx, hash, source)
	})
	select {
	case outcome := <-result:
		return outcome.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
