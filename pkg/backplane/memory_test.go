package backplane

import (
	"context"
	"testing"
	"time"
)

func recvMessage(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestMemoryFanout(t *testing.T) {
	bp := NewMemory()
	defer bp.Close()
	ctx := context.Background()

	sub1, err := bp.Subscribe(ctx, TopicRelay)
	if err != nil {
		t.Fatal(err)
	}
	sub2, err := bp.Subscribe(ctx, TopicRelay)
	if err != nil {
		t.Fatal(err)
	}

	if err := bp.Publish(ctx, TopicRelay, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []Subscription{sub1, sub2} {
		msg := recvMessage(t, sub)
		if string(msg.Payload) != "hello" || msg.Topic != TopicRelay {
			t.Errorf("unexpected message: %+v", msg)
		}
	}
}

func TestMemoryTopicIsolation(t *testing.T) {
	bp := NewMemory()
	defer bp.Close()
	ctx := context.Background()

	sub, err := bp.Subscribe(ctx, TopicRevocations)
	if err != nil {
		t.Fatal(err)
	}

	if err := bp.Publish(ctx, TopicRelay, []byte("off-topic")); err != nil {
		t.Fatal(err)
	}
	if err := bp.Publish(ctx, TopicRevocations, []byte("on-topic")); err != nil {
		t.Fatal(err)
	}

	msg := recvMessage(t, sub)
	if string(msg.Payload) != "on-topic" {
		t.Errorf("expected only on-topic message, got %q", msg.Payload)
	}
}

func TestMemorySubscriptionClose(t *testing.T) {
	bp := NewMemory()
	defer bp.Close()
	ctx := context.Background()

	sub, err := bp.Subscribe(ctx, TopicRelay)
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}

	// Publishing after unsubscribe must not panic or deliver.
	if err := bp.Publish(ctx, TopicRelay, []byte("late")); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected closed message channel")
	}
}

func TestMemoryClosedErrors(t *testing.T) {
	bp := NewMemory()
	bp.Close()
	ctx := context.Background()

	if err := bp.Publish(ctx, TopicRelay, nil); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bp.Subscribe(ctx, TopicRelay); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
