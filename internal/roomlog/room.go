// Package roomlog is the replicated, multi-writer room log. Each peer appends
// under its own writer key; entries from every writer are applied to the
// materialized view in local delivery order.
package roomlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/ministudio/internal/database"
	"github.com/MarcoPoloResearchLab/ministudio/internal/dispatch"
	"github.com/MarcoPoloResearchLab/ministudio/internal/feed"
	"github.com/MarcoPoloResearchLab/ministudio/internal/keys"
	"github.com/MarcoPoloResearchLab/ministudio/internal/swarm"
	"github.com/MarcoPoloResearchLab/ministudio/internal/view"
)

const (
	databaseFile = "room.db"

	// EventsNamespace scopes the base room handlers.
	EventsNamespace = "room"

	opNew         = "roomlog.new"
	opOpen        = "roomlog.open"
	opAppend      = "roomlog.append"
	opIngest      = "roomlog.ingest"
	opEntries     = "roomlog.entries"
	opEvents      = "roomlog.events"
	opInvite      = "roomlog.create_invite"
	fieldWriter   = "writer"
	fieldSeq      = "seq"
	fieldTag      = "tag"
	fieldStorage  = "storage"
	orderPosition = "position ASC"
)

var (
	// AddEventTag is the base handler tag recording out-of-band events.
	AddEventTag = dispatch.Tag(EventsNamespace, "add-event")
	// EventsCollection holds events keyed by event id.
	EventsCollection = "@" + EventsNamespace + "/events"
)

// Config wires a room log.
type Config struct {
	Storage    string
	Invite     string
	Router     *dispatch.Router
	Swarm      swarm.Swarm
	Feed       *feed.Dispatcher
	Logger     *zap.Logger
	Clock      func() time.Time
	IDProvider IDProvider
}

// Room is one peer's replica of a room log.
type Room struct {
	storage    string
	invite     string
	router     *dispatch.Router
	swarm      swarm.Swarm
	feed       *feed.Dispatcher
	logger     *zap.Logger
	clock      func() time.Time
	idProvider IDProvider

	mu           sync.Mutex
	db           *gorm.DB
	view         *view.Store
	roomKey      []byte
	discoveryKey []byte
	writerKey    string
	localLength  int64
	open         bool

	listenersMu sync.RWMutex
	listeners   map[int]func(swarm.Entry)
	nextID      int
}

// New validates cfg and registers the base handlers on its router.
func New(cfg Config) (*Room, error) {
	if cfg.Storage == "" {
		return nil, newLogError(opNew, "missing_storage", errMissingStorage)
	}
	if cfg.Router == nil {
		return nil, newLogError(opNew, "missing_router", errMissingRouter)
	}
	if !cfg.Router.Has(AddEventTag) {
		if err := cfg.Router.Register(AddEventTag, dispatch.InsertInto(EventsCollection)); err != nil {
			return nil, newLogError(opNew, "register_failed", err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	dispatcher := cfg.Feed
	if dispatcher == nil {
		dispatcher = feed.NewDispatcher()
	}
	return &Room{
		storage:    cfg.Storage,
		invite:     cfg.Invite,
		router:     cfg.Router,
		swarm:      cfg.Swarm,
		feed:       dispatcher,
		logger:     logger,
		clock:      clock,
		idProvider: idProvider,
		listeners:  make(map[int]func(swarm.Entry)),
	}, nil
}

// Open loads or creates the storage, then joins the swarm on the room's
// discovery key.
func (r *Room) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.open {
		r.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(r.storage, 0o755); err != nil {
		r.mu.Unlock()
		r.logError(opOpen, "storage_create_failed", err, zap.String(fieldStorage, r.storage))
		return newLogError(opOpen, "storage_create_failed", err)
	}
	db, err := database.OpenSQLite(filepath.Join(r.storage, databaseFile), r.logger, &Entry{}, &Identity{}, &view.Record{})
	if err != nil {
		r.mu.Unlock()
		r.logError(opOpen, "database_open_failed", err, zap.String(fieldStorage, r.storage))
		return newLogError(opOpen, "database_open_failed", err)
	}
	if err := database.ApplyMigrations(db, r.logger, logMigrations...); err != nil {
		_ = database.Close(db)
		r.mu.Unlock()
		return newLogError(opOpen, "migration_failed", err)
	}
	identity, err := r.loadIdentity(ctx, db)
	if err != nil {
		_ = database.Close(db)
		r.mu.Unlock()
		r.logError(opOpen, "identity_failed", err, zap.String(fieldStorage, r.storage))
		return newLogError(opOpen, "identity_failed", err)
	}
	roomKey, err := keys.Decode(identity.RoomKey)
	if err != nil {
		_ = database.Close(db)
		r.mu.Unlock()
		return newLogError(opOpen, "identity_failed", err)
	}
	var localLength int64
	if err := db.WithContext(ctx).Model(&Entry{}).Where(fieldWriter+" = ?", identity.WriterKey).Count(&localLength).Error; err != nil {
		_ = database.Close(db)
		r.mu.Unlock()
		return newLogError(opOpen, "length_failed", err)
	}
	store, err := view.NewStore(db)
	if err != nil {
		_ = database.Close(db)
		r.mu.Unlock()
		return newLogError(opOpen, "view_failed", err)
	}

	r.db = db
	r.view = store
	r.roomKey = roomKey
	r.discoveryKey = keys.DiscoveryKey(roomKey)
	r.writerKey = identity.WriterKey
	r.invite = identity.Invite
	r.localLength = localLength
	r.open = true
	r.mu.Unlock()

	if r.swarm != nil {
		if err := r.swarm.Join(ctx, r.discoveryKey, r); err != nil {
			_ = r.Close()
			r.logError(opOpen, "swarm_join_failed", err)
			return newLogError(opOpen, "swarm_join_failed", err)
		}
	}
	r.logger.Info("room log opened",
		zap.String(fieldStorage, r.storage),
		zap.String("discovery_key", keys.Encode(r.discoveryKey)),
		zap.Int64("local_length", localLength))
	return nil
}

// loadIdentity returns the stored identity, creating it on first open. An
// invite supplied for existing storage must name the same room.
func (r *Room) loadIdentity(ctx context.Context, db *gorm.DB) (Identity, error) {
	var invitedKey []byte
	if r.invite != "" {
		parsed, err := ParseInvite(r.invite)
		if err != nil {
			return Identity{}, err
		}
		invitedKey = parsed
	}

	var identity Identity
	err := db.WithContext(ctx).Where("slot = ?", identitySlotLocal).Take(&identity).Error
	if err == nil {
		if invitedKey != nil && keys.Encode(invitedKey) != identity.RoomKey {
			return Identity{}, ErrInviteMismatch
		}
		return identity, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, err
	}

	roomKey := invitedKey
	if roomKey == nil {
		generated, err := keys.Generate()
		if err != nil {
			return Identity{}, err
		}
		roomKey = generated
	}
	writerKey, err := keys.Generate()
	if err != nil {
		return Identity{}, err
	}
	identity = Identity{
		Slot:      identitySlotLocal,
		RoomKey:   keys.Encode(roomKey),
		WriterKey: keys.Encode(writerKey),
		Invite:    r.invite,
	}
	if err := db.WithContext(ctx).Create(&identity).Error; err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// Append commits one encoded entry under the local writer and applies it.
func (r *Room) Append(ctx context.Context, payload []byte) error {
	tag, data, err := dispatch.Decode(payload)
	if err != nil {
		return newLogError(opAppend, "decode_failed", err)
	}
	if !r.router.Has(tag) {
		return newLogError(opAppend, "unknown_tag", fmt.Errorf("%w: %s", dispatch.ErrUnknownTag, tag))
	}
	entryID, err := r.idProvider.NewID()
	if err != nil {
		return newLogError(opAppend, "id_failed", err)
	}

	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return ErrClosed
	}
	entry := Entry{
		EntryID:          entryID,
		Writer:           r.writerKey,
		Seq:              r.localLength + 1,
		Payload:          payload,
		PayloadHash:      hashPayload(payload),
		AppliedAtSeconds: r.clock().UTC().Unix(),
	}
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return r.router.Apply(ctx, tag, data, r.view.WithTx(tx))
	})
	if txErr != nil {
		r.mu.Unlock()
		r.logError(opAppend, "commit_failed", txErr, zap.String(fieldTag, tag))
		return newLogError(opAppend, "commit_failed", txErr)
	}
	r.localLength = entry.Seq
	r.mu.Unlock()

	r.notify([]Entry{entry}, []string{tag}, true)
	return nil
}

// Ingest implements swarm.LogReplica. Entries already held are skipped; an
// entry with an unknown tag is kept but not applied.
func (r *Room) Ingest(ctx context.Context, entries []swarm.Entry) (int, error) {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	added := make([]Entry, 0, len(entries))
	tags := make([]string, 0, len(entries))
	for _, incoming := range entries {
		if incoming.ID == "" || incoming.Writer == "" || incoming.Seq < 1 {
			r.logger.Warn("room log dropped malformed entry",
				zap.String(fieldWriter, incoming.Writer),
				zap.Int64(fieldSeq, incoming.Seq))
			continue
		}
		tag, data, decodeErr := dispatch.Decode(incoming.Payload)
		entry := Entry{
			EntryID:          incoming.ID,
			Writer:           incoming.Writer,
			Seq:              incoming.Seq,
			Payload:          incoming.Payload,
			PayloadHash:      hashPayload(incoming.Payload),
			AppliedAtSeconds: r.clock().UTC().Unix(),
		}
		duplicate := false
		txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
			if created.Error != nil {
				return created.Error
			}
			if created.RowsAffected == 0 {
				duplicate = true
				return nil
			}
			if decodeErr != nil || !r.router.Has(tag) {
				return nil
			}
			return r.router.Apply(ctx, tag, data, r.view.WithTx(tx))
		})
		if txErr != nil {
			r.mu.Unlock()
			r.logError(opIngest, "commit_failed", txErr,
				zap.String(fieldWriter, incoming.Writer),
				zap.Int64(fieldSeq, incoming.Seq))
			r.notify(added, tags, false)
			return len(added), newLogError(opIngest, "commit_failed", txErr)
		}
		if duplicate {
			continue
		}
		if decodeErr != nil || !r.router.Has(tag) {
			r.logger.Warn("room log kept entry without applying it",
				zap.String(fieldWriter, incoming.Writer),
				zap.Int64(fieldSeq, incoming.Seq),
				zap.String(fieldTag, tag),
				zap.Error(decodeErr))
		}
		if entry.Writer == r.writerKey && entry.Seq > r.localLength {
			r.localLength = entry.Seq
		}
		added = append(added, entry)
		tags = append(tags, tag)
	}
	r.mu.Unlock()

	r.notify(added, tags, false)
	return len(added), nil
}

// Entries implements swarm.LogReplica.
func (r *Room) Entries(ctx context.Context) ([]swarm.Entry, error) {
	db, err := r.handle()
	if err != nil {
		return nil, err
	}
	var stored []Entry
	if err := db.WithContext(ctx).Order(orderPosition).Find(&stored).Error; err != nil {
		r.logError(opEntries, "query_failed", err)
		return nil, newLogError(opEntries, "query_failed", err)
	}
	entries := make([]swarm.Entry, 0, len(stored))
	for _, entry := range stored {
		entries = append(entries, entry.replicated())
	}
	return entries, nil
}

// OnAppend implements swarm.LogReplica.
func (r *Room) OnAppend(fn func(swarm.Entry)) func() {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.listenersMu.Lock()
		delete(r.listeners, id)
		r.listenersMu.Unlock()
	}
}

func (r *Room) notify(entries []Entry, tags []string, local bool) {
	if len(entries) == 0 {
		return
	}
	r.listenersMu.RLock()
	listeners := make([]func(swarm.Entry), 0, len(r.listeners))
	for _, listener := range r.listeners {
		listeners = append(listeners, listener)
	}
	r.listenersMu.RUnlock()

	topic := keys.Encode(r.discoveryKey)
	for index, entry := range entries {
		replicated := entry.replicated()
		for _, listener := range listeners {
			listener(replicated)
		}
		r.feed.Publish(feed.Change{
			Topic: topic,
			Tag:   tags[index],
			Seq:   entry.Seq,
			Local: local,
		})
	}
}

// AddEvent appends an out-of-band event. The first event recorded under an
// id wins.
func (r *Room) AddEvent(ctx context.Context, id string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return newLogError(opEvents, "encode_failed", err)
	}
	payload, err := dispatch.Encode(AddEventTag, Event{ID: id, Data: encoded})
	if err != nil {
		return newLogError(opEvents, "encode_failed", err)
	}
	return r.Append(ctx, payload)
}

// Events lists recorded events in delivery order.
func (r *Room) Events(ctx context.Context) ([]Event, error) {
	store, err := r.viewStore()
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := store.Find(ctx, EventsCollection, view.FindOptions{}).All(&events); err != nil {
		r.logError(opEvents, "query_failed", err)
		return nil, newLogError(opEvents, "query_failed", err)
	}
	return events, nil
}

// CreateInvite issues an invite other peers can join with.
func (r *Room) CreateInvite(_ context.Context) (string, error) {
	r.mu.Lock()
	roomKey := r.roomKey
	open := r.open
	r.mu.Unlock()
	if !open {
		return "", ErrClosed
	}
	invite, err := IssueInvite(roomKey, r.clock())
	if err != nil {
		r.logError(opInvite, "sign_failed", err)
		return "", newLogError(opInvite, "sign_failed", err)
	}
	return invite, nil
}

// Invite is the invite this replica joined with, empty for the originator.
func (r *Room) Invite() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invite
}

// LocalLength counts the entries this replica's writer has appended.
func (r *Room) LocalLength() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localLength
}

// View returns the materialized view, nil before Open.
func (r *Room) View() view.DB {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view == nil {
		return nil
	}
	return r.view
}

func (r *Room) Storage() string {
	return r.storage
}

// Key returns the room key, nil before Open.
func (r *Room) Key() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.roomKey...)
}

// DiscoveryKey returns the swarm topic, nil before Open.
func (r *Room) DiscoveryKey() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.discoveryKey...)
}

// Subscribe streams a change for every entry applied after the call.
func (r *Room) Subscribe(ctx context.Context) (<-chan feed.Change, func()) {
	return r.feed.Subscribe(ctx, keys.Encode(r.DiscoveryKey()))
}

// Close leaves the swarm and releases the database. It is safe to call twice.
func (r *Room) Close() error {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return nil
	}
	r.open = false
	db := r.db
	discoveryKey := r.discoveryKey
	r.mu.Unlock()

	if r.swarm != nil {
		if err := r.swarm.Leave(discoveryKey); err != nil && !errors.Is(err, swarm.ErrNotJoined) {
			r.logger.Warn("room log swarm leave failed", zap.Error(err))
		}
	}
	return database.Close(db)
}

func (r *Room) handle() (*gorm.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return nil, ErrClosed
	}
	return r.db, nil
}

func (r *Room) viewStore() (*view.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return nil, ErrClosed
	}
	return r.view, nil
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
	r.logger.Error("room log error", attrs...)
}

// Exists reports whether storage already holds a room identity.
func Exists(storage string) (bool, error) {
	path := filepath.Join(storage, databaseFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	db, err := database.OpenSQLite(path, nil, &Identity{})
	if err != nil {
		return false, err
	}
	defer database.Close(db)
	var count int64
	if err := db.Model(&Identity{}).Where("slot = ?", identitySlotLocal).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
