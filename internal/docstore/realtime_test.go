package docstore

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish(ChangeMessage{UserID: "user-1", Topic: TopicNotes, Version: 3, Timestamp: time.Now().UTC()})

	select {
	case received := <-stream:
		if received.Topic != TopicNotes || received.Version != 3 {
			t.Fatalf("unexpected message %#v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected change message within deadline")
	}
}

func TestDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(ChangeMessage{UserID: "user-3", Topic: TopicProgress})

	select {
	case <-userStream:
		t.Fatal("did not expect message for unrelated user")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected message for subscribed user")
	}
}

func TestDispatcherClosesStreamOnCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := dispatcher.Subscribe(ctx, "user-1")
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after cancel")
	}
	if dispatcher.SubscriberCount("user-1") != 0 {
		t.Fatal("expected subscriber removed")
	}
}

func TestDispatcherIgnoresIncompleteMessages(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish(ChangeMessage{UserID: "user-1"})
	select {
	case <-stream:
		t.Fatal("did not expect message without topic")
	case <-time.After(50 * time.Millisecond):
	}

	empty, emptyCleanup := dispatcher.Subscribe(ctx, "")
	defer emptyCleanup()
	if _, ok := <-empty; ok {
		t.Fatal("expected closed stream for empty user")
	}
}
