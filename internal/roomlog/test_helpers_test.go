package roomlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/ministudio/internal/dispatch"
	"github.com/MarcoPoloResearchLab/ministudio/internal/swarm"
	"github.com/MarcoPoloResearchLab/ministudio/internal/view"
)

const (
	testNamespace  = "test"
	testCollection = "@test/items"
)

var testAddTag = dispatch.Tag(testNamespace, "add-item")

func newTestRouter(t *testing.T) *dispatch.Router {
	t.Helper()
	router := dispatch.NewRouter()
	if err := router.Register(testAddTag, dispatch.InsertInto(testCollection)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return router
}

func mustOpenRoom(t *testing.T, storage, invite string, network swarm.Swarm) *Room {
	t.Helper()
	room, err := New(Config{
		Storage: storage,
		Invite:  invite,
		Router:  newTestRouter(t),
		Swarm:   network,
	})
	if err != nil {
		t.Fatalf("new room failed: %v", err)
	}
	if err := room.Open(context.Background()); err != nil {
		t.Fatalf("open room failed: %v", err)
	}
	t.Cleanup(func() { _ = room.Close() })
	return room
}

func mustAppendItem(t *testing.T, room *Room, id string) {
	t.Helper()
	payload, err := dispatch.Encode(testAddTag, map[string]any{"id": id})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := room.Append(context.Background(), payload); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func itemIDs(t *testing.T, room *Room) []string {
	t.Helper()
	var items []struct {
		ID string `json:"id"`
	}
	if err := room.View().Find(context.Background(), testCollection, view.FindOptions{}).All(&items); err != nil {
		t.Fatalf("find failed: %v", err)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

func tempStorage(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name, "storage")
}
