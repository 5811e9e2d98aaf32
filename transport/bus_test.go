package transport

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestMemoryBusFanOutAndUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	first, err := bus.Subscribe(ctx, "DEV-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	second, err := bus.Subscribe(ctx, "DEV-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	other, err := bus.Subscribe(ctx, "DEV-2")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "DEV-1", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	for _, sub := range []Subscription{first, second} {
		select {
		case got := <-sub.Messages():
			if string(got) != "hello" {
				t.Fatalf("unexpected payload %q", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for payload")
		}
	}
	select {
	case got := <-other.Messages():
		t.Fatalf("unexpected payload on other topic: %q", got)
	default:
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := bus.Subscribers("DEV-1"); got != 1 {
		t.Fatalf("expected 1 subscriber after close, got %d", got)
	}
	if _, ok := <-first.Messages(); ok {
		t.Fatalf("expected closed subscription channel")
	}
}

func TestMemoryBusDropsWhenSubscriberIsBehind(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "slow")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	for i := 0; i < defaultSubscriptionBuffer+10; i++ {
		if err := bus.Publish(ctx, "slow", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	if got := len(sub.Messages()); got != defaultSubscriptionBuffer {
		t.Fatalf("expected %d buffered payloads, got %d", defaultSubscriptionBuffer, got)
	}
}

func TestMemoryBusRejectsUseAfterClose(t *testing.T) {
	bus := NewMemoryBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Publish(context.Background(), "x", nil); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "x"); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("TOUCHMOUSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TOUCHMOUSE_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus, err := DialRedisBus(ctx, "redis://"+addr, "touchmouse_test", nil)
	if err != nil {
		t.Fatalf("DialRedisBus failed: %v", err)
	}
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "DEV-4821")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "DEV-4821", []byte(`{"type":"CONNECT"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case got := <-sub.Messages():
		if string(got) != `{"type":"CONNECT"}` {
			t.Fatalf("unexpected payload %q", got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for redis payload")
	}
}
