package studio

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/ministudio/internal/dispatch"
	"github.com/MarcoPoloResearchLab/ministudio/internal/feed"
	"github.com/MarcoPoloResearchLab/ministudio/internal/roomlog"
	"github.com/MarcoPoloResearchLab/ministudio/internal/view"
)

const fakeTopic = "fake-room"

// fakeBase is an in-memory Base. It applies appends synchronously through the
// room's router.
type fakeBase struct {
	router  *dispatch.Router
	storage string
	invite  string
	db      *view.Memory
	changes *feed.Dispatcher

	mu          sync.Mutex
	opened      bool
	closed      int
	localLength int64
	appended    []string
	openErr     error
}

func newFakeBase(router *dispatch.Router, storage, invite string) *fakeBase {
	if !router.Has(roomlog.AddEventTag) {
		_ = router.Register(roomlog.AddEventTag, dispatch.InsertInto(roomlog.EventsCollection))
	}
	return &fakeBase{
		router:  router,
		storage: storage,
		invite:  invite,
		db:      view.NewMemory(),
		changes: feed.NewDispatcher(),
	}
}

func (b *fakeBase) Open(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return b.openErr
	}
	b.opened = true
	return nil
}

func (b *fakeBase) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = false
	b.closed++
	return nil
}

func (b *fakeBase) Append(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	if !b.opened {
		b.mu.Unlock()
		return errors.New("fake base closed")
	}
	tag, err := b.router.Dispatch(ctx, payload, b.db)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.localLength++
	b.appended = append(b.appended, tag)
	b.mu.Unlock()
	b.changes.Publish(feed.Change{Topic: fakeTopic, Tag: tag, Local: true})
	return nil
}

// deliver applies a remote entry without counting it as local.
func (b *fakeBase) deliver(ctx context.Context, tag string, payload any) error {
	encoded, err := dispatch.Encode(tag, payload)
	if err != nil {
		return err
	}
	if _, err := b.router.Dispatch(ctx, encoded, b.db); err != nil {
		return err
	}
	b.changes.Publish(feed.Change{Topic: fakeTopic, Tag: tag})
	return nil
}

func (b *fakeBase) Events(ctx context.Context) ([]roomlog.Event, error) {
	var events []roomlog.Event
	if err := b.db.Find(ctx, roomlog.EventsCollection, view.FindOptions{}).All(&events); err != nil {
		return nil, err
	}
	return events, nil
}

func (b *fakeBase) AddEvent(ctx context.Context, id string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := dispatch.Encode(roomlog.AddEventTag, roomlog.Event{ID: id, Data: encoded})
	if err != nil {
		return err
	}
	return b.Append(ctx, payload)
}

func (b *fakeBase) CreateInvite(context.Context) (string, error) {
	return "fake-invite", nil
}

func (b *fakeBase) Invite() string {
	return b.invite
}

func (b *fakeBase) LocalLength() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localLength
}

func (b *fakeBase) View() view.DB {
	return b.db
}

func (b *fakeBase) Storage() string {
	return b.storage
}

func (b *fakeBase) Subscribe(ctx context.Context) (<-chan feed.Change, func()) {
	return b.changes.Subscribe(ctx, fakeTopic)
}

func (b *fakeBase) appendedTags() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.appended...)
}
