package studio

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ministudio/internal/blobs"
	"github.com/MarcoPoloResearchLab/ministudio/internal/dispatch"
	"github.com/MarcoPoloResearchLab/ministudio/internal/feed"
	"github.com/MarcoPoloResearchLab/ministudio/internal/mediatype"
	"github.com/MarcoPoloResearchLab/ministudio/internal/roomlog"
	"github.com/MarcoPoloResearchLab/ministudio/internal/view"
)

const (
	opGetVideos    = "studio.get_videos"
	opAddVideo     = "studio.add_video"
	opDelVideo     = "studio.del_video"
	opGetMessages  = "studio.get_messages"
	opAddMessage   = "studio.add_message"
	opDelMessage   = "studio.del_message"
	opGetEvents    = "studio.get_events"
	opCreateInvite = "studio.create_invite"

	defaultListLimit = 100
)

// BlobRef points at the bytes of a video.
type BlobRef struct {
	StoreID string        `json:"storeId"`
	Locator blobs.Locator `json:"locator"`
}

// Video is an entry of the videos collection. Link is computed on read.
type Video struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Type string         `json:"type"`
	Blob BlobRef        `json:"blob"`
	Info map[string]any `json:"info"`
	Link string         `json:"link,omitempty"`
}

// Message is an entry of the messages collection.
type Message struct {
	ID   string         `json:"id"`
	Text string         `json:"text"`
	Info map[string]any `json:"info"`
}

type deletion struct {
	ID string `json:"id"`
}

// ListOption shapes GetVideos and GetMessages.
type ListOption func(*view.FindOptions)

// WithReverse lists newest first when true, the default.
func WithReverse(reverse bool) ListOption {
	return func(opts *view.FindOptions) {
		opts.Reverse = reverse
	}
}

// WithLimit caps the list length; 100 by default, non-positive for no cap.
func WithLimit(limit int) ListOption {
	return func(opts *view.FindOptions) {
		opts.Limit = limit
	}
}

func listOptions(options []ListOption) view.FindOptions {
	opts := view.FindOptions{Reverse: true, Limit: defaultListLimit}
	for _, option := range options {
		option(&opts)
	}
	return opts
}

// GetVideos lists videos with a freshly computed link each.
func (r *Room) GetVideos(ctx context.Context, options ...ListOption) ([]Video, error) {
	db, err := r.openView()
	if err != nil {
		return nil, err
	}
	videos := []Video{}
	if err := db.Find(ctx, r.tags.videos, listOptions(options)).All(&videos); err != nil {
		r.logError(opGetVideos, "query_failed", err)
		return nil, newRoomError(opGetVideos, "query_failed", err)
	}
	r.mu.RLock()
	pub := r.publisher
	r.mu.RUnlock()
	for index := range videos {
		videos[index].Link = pub.GetLink(videos[index].Blob.StoreID, videos[index].Blob.Locator, videos[index].Type)
	}
	return videos, nil
}

// AddVideo stores the file at filePath and records it under id. Names that do
// not infer a video type are rejected before anything is written.
func (r *Room) AddVideo(ctx context.Context, id, name, filePath string, info map[string]any) error {
	contentType := mediatype.FromName(name)
	if !mediatype.IsVideo(contentType) {
		return ErrNotVideo
	}
	r.mu.RLock()
	store := r.store
	open := r.state == StateOpen
	r.mu.RUnlock()
	if !open {
		return ErrNotOpen
	}

	source, err := r.opts.SourceFs.Open(filePath)
	if err != nil {
		r.logError(opAddVideo, "source_open_failed", err, zap.String("path", filePath))
		return newRoomError(opAddVideo, "source_open_failed", err)
	}
	defer source.Close()

	locator, err := store.Write(ctx, source)
	if err != nil {
		r.logError(opAddVideo, "blob_write_failed", err, zap.String("path", filePath))
		return newRoomError(opAddVideo, "blob_write_failed", err)
	}

	video := Video{
		ID:   id,
		Name: name,
		Type: contentType,
		Blob: BlobRef{StoreID: store.ID(), Locator: locator},
		Info: info,
	}
	return r.append(ctx, opAddVideo, r.tags.addVideo, video)
}

// DelVideo removes a video from the list. Its bytes stay in the blob store.
func (r *Room) DelVideo(ctx context.Context, id string) error {
	return r.append(ctx, opDelVideo, r.tags.delVideo, deletion{ID: id})
}

// GetMessages lists messages.
func (r *Room) GetMessages(ctx context.Context, options ...ListOption) ([]Message, error) {
	db, err := r.openView()
	if err != nil {
		return nil, err
	}
	messages := []Message{}
	if err := db.Find(ctx, r.tags.messages, listOptions(options)).All(&messages); err != nil {
		r.logError(opGetMessages, "query_failed", err)
		return nil, newRoomError(opGetMessages, "query_failed", err)
	}
	return messages, nil
}

func (r *Room) AddMessage(ctx context.Context, id, text string, info map[string]any) error {
	return r.append(ctx, opAddMessage, r.tags.addMessage, Message{ID: id, Text: text, Info: info})
}

func (r *Room) DelMessage(ctx context.Context, id string) error {
	return r.append(ctx, opDelMessage, r.tags.delMessage, deletion{ID: id})
}

// GetEvents returns the room's out-of-band events.
func (r *Room) GetEvents(ctx context.Context) ([]roomlog.Event, error) {
	if r.State() != StateOpen {
		return nil, ErrNotOpen
	}
	events, err := r.base.Events(ctx)
	if err != nil {
		return nil, newRoomError(opGetEvents, "query_failed", err)
	}
	return events, nil
}

// CreateInvite returns an invite other peers can join this room with.
func (r *Room) CreateInvite(ctx context.Context) (string, error) {
	if r.State() != StateOpen {
		return "", ErrNotOpen
	}
	invite, err := r.base.CreateInvite(ctx)
	if err != nil {
		r.logError(opCreateInvite, "base_failed", err)
		return "", newRoomError(opCreateInvite, "base_failed", err)
	}
	return invite, nil
}

// Invite is the invite the room joined with, empty for the originator.
func (r *Room) Invite() string {
	return r.base.Invite()
}

func (r *Room) Storage() string {
	return r.base.Storage()
}

// BlobsStoreID names the room's blob store once open.
func (r *Room) BlobsStoreID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.store == nil {
		return ""
	}
	return r.store.ID()
}

// Subscribe streams a change for every entry applied to the room, local or
// replicated.
func (r *Room) Subscribe(ctx context.Context) (<-chan feed.Change, func()) {
	return r.base.Subscribe(ctx)
}

// Kind tells which list a change affects.
func (r *Room) Kind(change feed.Change) ChangeKind {
	return r.tags.kind(change.Tag)
}

func (r *Room) append(ctx context.Context, operation, tag string, payload any) error {
	if r.State() != StateOpen {
		return ErrNotOpen
	}
	encoded, err := dispatch.Encode(tag, payload)
	if err != nil {
		return newRoomError(operation, "encode_failed", err)
	}
	if err := r.base.Append(ctx, encoded); err != nil {
		r.logError(operation, "append_failed", err)
		return newRoomError(operation, "append_failed", err)
	}
	return nil
}

func (r *Room) openView() (view.DB, error) {
	if r.State() != StateOpen {
		return nil, ErrNotOpen
	}
	db := r.base.View()
	if db == nil {
		return nil, fmt.Errorf("%w: view unavailable", ErrNotOpen)
	}
	return db, nil
}
