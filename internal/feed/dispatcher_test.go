package feed

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "room-1")
	defer cleanup()

	dispatcher.Publish(Change{Topic: "room-1", Tag: "@ministudio/add-video", Seq: 3, Local: true})

	select {
	case received := <-stream:
		if received.Tag != "@ministudio/add-video" {
			t.Fatalf("unexpected tag %s", received.Tag)
		}
		if received.Seq != 3 || !received.Local {
			t.Fatalf("unexpected change %+v", received)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be stamped")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected change within deadline")
	}
}

func TestDispatcherIsolatesTopics(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomStream, cleanup := dispatcher.Subscribe(ctx, "room-a")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "room-b")
	defer otherCleanup()

	dispatcher.Publish(Change{Topic: "room-b", Tag: "@ministudio/add-message"})

	select {
	case <-roomStream:
		t.Fatal("did not expect change for unrelated room")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case change := <-otherStream:
		if change.Topic != "room-b" {
			t.Fatalf("expected room-b, received %s", change.Topic)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected change for subscribed room")
	}
}

func TestDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "room-1")
	defer cleanup()

	for index := 0; index < defaultBufferSize*2; index++ {
		dispatcher.Publish(Change{Topic: "room-1", Tag: "@ministudio/add-video", Seq: int64(index)})
	}
	if got := len(stream); got != defaultBufferSize {
		t.Fatalf("expected %d buffered changes, got %d", defaultBufferSize, got)
	}
}

func TestDispatcherCleanupOnCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "room-1")
	defer cleanup()
	if dispatcher.Subscribers("room-1") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers("room-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatcherIgnoresEmptyTopic(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()
	if _, ok := <-stream; ok {
		t.Fatal("expected closed stream for empty topic")
	}
}
