package studio

import (
	"context"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ministudio/internal/dispatch"
	"github.com/MarcoPoloResearchLab/ministudio/internal/feed"
	"github.com/MarcoPoloResearchLab/ministudio/internal/roomlog"
	"github.com/MarcoPoloResearchLab/ministudio/internal/swarm"
	"github.com/MarcoPoloResearchLab/ministudio/internal/view"
)

const (
	DefaultNamespace       = "ministudio"
	DefaultKeyPollInterval = 100 * time.Millisecond
	blobsDir               = "blobs"
)

// Base is the replicated log a room is built on.
type Base interface {
	Open(ctx context.Context) error
	Close() error
	Append(ctx context.Context, payload []byte) error
	Events(ctx context.Context) ([]roomlog.Event, error)
	AddEvent(ctx context.Context, id string, data any) error
	CreateInvite(ctx context.Context) (string, error)
	// Invite is the invite the log joined with, empty for the originator.
	Invite() string
	// LocalLength counts entries appended by this peer.
	LocalLength() int64
	View() view.DB
	Storage() string
	Subscribe(ctx context.Context) (<-chan feed.Change, func())
}

// Options configures a room.
type Options struct {
	Storage string
	Invite  string
	// Namespace prefixes tags and collections, "ministudio" by default.
	Namespace string
	Swarm     swarm.Swarm
	// BlobFs holds blob stores and SourceFs is where AddVideo reads files.
	// Both default to the OS filesystem.
	BlobFs           afero.Fs
	SourceFs         afero.Fs
	PublisherAddress string
	KeyPollInterval  time.Duration
	// KeyTimeout bounds how long a joiner waits for the blobs key. Zero waits
	// until the context ends.
	KeyTimeout time.Duration
	Logger     *zap.Logger
	Clock      func() time.Time
	// NewBase builds the log around the room's router; a roomlog.Room by
	// default.
	NewBase func(router *dispatch.Router) (Base, error)
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.BlobFs == nil {
		o.BlobFs = afero.NewOsFs()
	}
	if o.SourceFs == nil {
		o.SourceFs = afero.NewOsFs()
	}
	if o.KeyPollInterval <= 0 {
		o.KeyPollInterval = DefaultKeyPollInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewBase == nil {
		storage, invite, network, logger, clock := o.Storage, o.Invite, o.Swarm, o.Logger, o.Clock
		o.NewBase = func(router *dispatch.Router) (Base, error) {
			return roomlog.New(roomlog.Config{
				Storage: storage,
				Invite:  invite,
				Router:  router,
				Swarm:   network,
				Logger:  logger,
				Clock:   clock,
			})
		}
	}
	return o
}

// ShouldResume reports whether storage already holds a room to reopen.
func ShouldResume(storage string) (bool, error) {
	return roomlog.Exists(storage)
}
