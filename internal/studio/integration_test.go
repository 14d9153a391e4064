package studio

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ministudio/internal/swarm"
)

func newSwarmRoom(t *testing.T, storage, invite string, node swarm.Swarm) *Room {
	t.Helper()
	room, err := New(Options{
		Storage:          storage,
		Invite:           invite,
		Swarm:            node,
		PublisherAddress: "127.0.0.1:0",
		KeyPollInterval:  10 * time.Millisecond,
		KeyTimeout:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new room failed: %v", err)
	}
	t.Cleanup(func() { _ = room.Close() })
	return room
}

func TestOriginateInviteJoinSharesVideos(t *testing.T) {
	ctx := context.Background()
	network := swarm.NewMemoryNetwork(nil)
	workspace := t.TempDir()

	originStorage := filepath.Join(workspace, "origin", "mini-studio", "storage")
	origin := newSwarmRoom(t, originStorage, "", network.Node())
	mustReady(t, origin)

	clipPath := filepath.Join(workspace, "clip.mp4")
	if err := os.WriteFile(clipPath, []byte("not really an mp4"), 0o644); err != nil {
		t.Fatalf("write clip failed: %v", err)
	}
	if err := origin.AddVideo(ctx, "v1", "clip.mp4", clipPath, map[string]any{"at": "2026-10-19T08:00:00.000Z"}); err != nil {
		t.Fatalf("add video failed: %v", err)
	}

	invite, err := origin.CreateInvite(ctx)
	if err != nil {
		t.Fatalf("create invite failed: %v", err)
	}

	joinerStorage := filepath.Join(workspace, "joiner", "mini-studio", "storage")
	joiner := newSwarmRoom(t, joinerStorage, invite, network.Node())
	mustReady(t, joiner)

	if joiner.BlobsStoreID() != origin.BlobsStoreID() {
		t.Fatalf("joiner opened blob store %s, origin uses %s", joiner.BlobsStoreID(), origin.BlobsStoreID())
	}

	videos, err := joiner.GetVideos(ctx)
	if err != nil {
		t.Fatalf("joiner get videos failed: %v", err)
	}
	if len(videos) != 1 || videos[0].ID != "v1" {
		t.Fatalf("unexpected joiner videos %+v", videos)
	}

	response, err := http.Get(videos[0].Link)
	if err != nil {
		t.Fatalf("fetch link failed: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode != http.StatusOK || string(body) != "not really an mp4" {
		t.Fatalf("unexpected response %d %q", response.StatusCode, string(body))
	}
	if response.Header.Get("Content-Type") != "video/mp4" {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}

	if err := joiner.AddMessage(ctx, "m1", "nice", map[string]any{"videoId": "v1"}); err != nil {
		t.Fatalf("joiner add message failed: %v", err)
	}
	messages, err := origin.GetMessages(ctx)
	if err != nil {
		t.Fatalf("origin get messages failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Text != "nice" {
		t.Fatalf("expected joiner message to replicate, got %+v", messages)
	}
}

func TestShouldResumeAfterClose(t *testing.T) {
	storage := filepath.Join(t.TempDir(), "mini-studio", "storage")
	resumable, err := ShouldResume(storage)
	if err != nil || resumable {
		t.Fatalf("expected fresh storage to be not resumable, got %v err=%v", resumable, err)
	}

	room := newSwarmRoom(t, storage, "", nil)
	mustReady(t, room)
	if err := room.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	resumable, err = ShouldResume(storage)
	if err != nil || !resumable {
		t.Fatalf("expected storage to be resumable, got %v err=%v", resumable, err)
	}

	reopened := newSwarmRoom(t, storage, "", nil)
	mustReady(t, reopened)
	if reopened.BlobsStoreID() != room.BlobsStoreID() {
		t.Fatalf("reopened room must reuse its blob store")
	}
}
