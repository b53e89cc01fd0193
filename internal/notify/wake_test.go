package notify

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestWakeDeliversToSubscriber(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := NewChannel(mr.Addr(), "", 0)
	defer ch.Close()

	msgs, unsubscribe := ch.Subscribe(ctx)
	defer unsubscribe()

	// Give the subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := ch.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Payload != "1" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wake notification")
	}
}

func TestWakeWithNoSubscribersIsNotAnError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	ch := NewChannel(mr.Addr(), "", 0)
	defer ch.Close()

	if err := ch.Wake(context.Background()); err != nil {
		t.Fatalf("expected no error publishing with zero subscribers: %v", err)
	}
}
