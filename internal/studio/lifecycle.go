package studio

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ministudio/internal/blobs"
	"github.com/MarcoPoloResearchLab/ministudio/internal/dispatch"
	"github.com/MarcoPoloResearchLab/ministudio/internal/keys"
	"github.com/MarcoPoloResearchLab/ministudio/internal/publisher"
	"github.com/MarcoPoloResearchLab/ministudio/internal/swarm"
)

// BlobsKeyEvent is the event id under which the originator records the blobs
// store key.
const BlobsKeyEvent = "blobsCoreKey"

const (
	opNew   = "studio.new"
	opOpen  = "studio.open"
	opClose = "studio.close"

	publisherCloseTimeout = 5 * time.Second
)

// State is a room's lifecycle position.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Room is a studio room: a log of videos and messages plus the blob store
// holding the video bytes.
type Room struct {
	opts   Options
	logger *zap.Logger
	router *dispatch.Router
	base   Base
	tags   tagSet

	readyOnce sync.Once
	readyErr  error

	// cancelOpen stops an open in flight; closeRequested marks that Close did.
	cancelOpen     context.CancelFunc
	closeRequested bool

	mu        sync.RWMutex
	state     State
	store     *blobs.Store
	publisher *publisher.Publisher
	blobTopic []byte
}

// New builds a closed room. Nothing touches disk or network before Ready.
func New(opts Options) (*Room, error) {
	if opts.Storage == "" {
		return nil, newRoomError(opNew, "missing_storage", errMissingStorage)
	}
	opts = opts.withDefaults()
	tags := newTagSet(opts.Namespace)
	router := dispatch.NewRouter()
	if err := tags.register(router); err != nil {
		return nil, newRoomError(opNew, "router_failed", err)
	}
	base, err := opts.NewBase(router)
	if err != nil {
		return nil, newRoomError(opNew, "base_failed", err)
	}
	return &Room{
		opts:   opts,
		logger: opts.Logger,
		router: router,
		base:   base,
		tags:   tags,
	}, nil
}

// Ready opens the room on first call. Later and concurrent calls wait for
// that attempt and return its outcome.
func (r *Room) Ready(ctx context.Context) error {
	r.readyOnce.Do(func() {
		openCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		r.mu.Lock()
		r.cancelOpen = cancel
		r.mu.Unlock()

		err := r.open(openCtx)

		r.mu.Lock()
		r.cancelOpen = nil
		if err != nil && r.closeRequested {
			err = ErrClosed
		}
		r.mu.Unlock()
		r.readyErr = err
	})
	return r.readyErr
}

func (r *Room) open(ctx context.Context) error {
	r.setState(StateOpening)
	if err := r.base.Open(ctx); err != nil {
		r.setState(StateClosed)
		r.logError(opOpen, "base_open_failed", err)
		return newRoomError(opOpen, "base_open_failed", err)
	}

	root := blobs.NewRoot(r.opts.BlobFs, filepath.Join(r.base.Storage(), blobsDir))
	originator := r.base.Invite() == "" && r.base.LocalLength() == 0
	var store *blobs.Store
	if originator {
		created, err := root.Create()
		if err != nil {
			return r.abortOpen(nil, "blobs_create_failed", err)
		}
		store = created
		if err := r.base.AddEvent(ctx, BlobsKeyEvent, store.ID()); err != nil {
			return r.abortOpen(store, "blobs_key_publish_failed", err)
		}
	} else {
		key, err := r.waitForBlobsKey(ctx)
		if err != nil {
			return r.abortOpen(nil, "blobs_key_failed", err)
		}
		opened, err := root.Open(key)
		if err != nil {
			return r.abortOpen(nil, "blobs_open_failed", err)
		}
		store = opened
	}

	if r.opts.Swarm != nil {
		if err := r.opts.Swarm.Join(ctx, store.DiscoveryKey(), store); err != nil {
			return r.abortOpen(store, "swarm_join_failed", err)
		}
	}

	var fetcher publisher.Fetcher
	if r.opts.Swarm != nil {
		fetcher = r.opts.Swarm
	}
	pub := publisher.New(publisher.Config{
		Address: r.opts.PublisherAddress,
		Fetcher: fetcher,
		Logger:  r.logger,
	})
	pub.Serve(store)
	if err := pub.Listen(); err != nil {
		r.leaveBlobs(store)
		return r.abortOpen(store, "publisher_listen_failed", err)
	}

	r.mu.Lock()
	r.store = store
	r.publisher = pub
	r.blobTopic = store.DiscoveryKey()
	r.state = StateOpen
	r.mu.Unlock()

	r.logger.Info("studio room open",
		zap.String("storage", r.base.Storage()),
		zap.Bool("originator", originator),
		zap.String("blobs_store", store.ID()),
		zap.String("publisher", pub.BaseURL()))
	return nil
}

// abortOpen releases what open acquired and leaves the room closed.
func (r *Room) abortOpen(store *blobs.Store, reason string, cause error) error {
	if store != nil {
		_ = store.Close()
	}
	if err := r.base.Close(); err != nil {
		r.logger.Warn("studio base close after failed open", zap.Error(err))
	}
	r.setState(StateClosed)
	r.logError(opOpen, reason, cause)
	return newRoomError(opOpen, reason, cause)
}

func (r *Room) leaveBlobs(store *blobs.Store) {
	if r.opts.Swarm == nil {
		return
	}
	if err := r.opts.Swarm.Leave(store.DiscoveryKey()); err != nil && !errors.Is(err, swarm.ErrNotJoined) {
		r.logger.Warn("studio swarm leave failed", zap.Error(err))
	}
}

// waitForBlobsKey polls the log's events until the originator's blobs key
// arrives through replication.
func (r *Room) waitForBlobsKey(ctx context.Context) ([]byte, error) {
	if r.opts.KeyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.KeyTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(r.opts.KeyPollInterval)
	defer ticker.Stop()
	for {
		events, err := r.base.Events(ctx)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		for _, event := range events {
			if event.ID == BlobsKeyEvent && event.String() != "" {
				return keys.Decode(event.String())
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && r.opts.KeyTimeout > 0 {
				return nil, ErrBlobsKeyTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// Close releases the publisher, swarm membership, blob store and log, in that
// order. Closing twice is a no-op.
func (r *Room) Close() error {
	r.mu.Lock()
	r.closeRequested = true
	cancelOpen := r.cancelOpen
	r.mu.Unlock()
	if cancelOpen != nil {
		cancelOpen()
	}
	r.readyOnce.Do(func() {
		r.readyErr = ErrClosed
	})

	r.mu.Lock()
	if r.state != StateOpen {
		r.mu.Unlock()
		return nil
	}
	r.state = StateClosing
	store := r.store
	pub := r.publisher
	r.mu.Unlock()

	var closeErr error
	ctx, cancel := context.WithTimeout(context.Background(), publisherCloseTimeout)
	defer cancel()
	if err := pub.Close(ctx); err != nil {
		r.logError(opClose, "publisher_close_failed", err)
		closeErr = errors.Join(closeErr, err)
	}
	r.leaveBlobs(store)
	if err := store.Close(); err != nil {
		closeErr = errors.Join(closeErr, err)
	}
	if err := r.base.Close(); err != nil {
		r.logError(opClose, "base_close_failed", err)
		closeErr = errors.Join(closeErr, err)
	}
	r.setState(StateClosed)
	if closeErr != nil {
		return newRoomError(opClose, "release_failed", closeErr)
	}
	return nil
}

// State reports the lifecycle position.
func (r *Room) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Room) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *Room) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("studio room error", attrs...)
}
