package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"touchmouse/models"
	"touchmouse/protocol"
)

func TestLocalDialRejectsInvalidTargets(t *testing.T) {
	dialer := &LocalDialer{Bus: NewMemoryBus()}
	for _, target := range []string{"", "DEV 4821", "\tDEV"} {
		if _, err := dialer.Dial(context.Background(), target); !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("expected ErrInvalidTarget for %q, got %v", target, err)
		}
	}
}

func TestLocalListenerOnlyDeliversAddressedFrames(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	listener, err := ListenLocal(ctx, bus, "DEV-4821", nil)
	if err != nil {
		t.Fatalf("ListenLocal failed: %v", err)
	}
	defer listener.Close()

	// A frame on the right topic but addressed elsewhere must be ignored.
	stray, _ := protocol.Encode(protocol.ConnectMessage{}, "DEV-9999")
	if err := bus.Publish(ctx, "DEV-4821", stray); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, "DEV-4821", []byte("garbage")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	conn, err := (&LocalDialer{Bus: bus}).Dial(ctx, "DEV-4821")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	if err := conn.Send(protocol.MoveMessage{Direction: protocol.DirectionRight, Intensity: 3}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	frame := waitForFrame(t, listener, time.Second)
	move, ok := frame.Message.(protocol.MoveMessage)
	if !ok || move.Direction != protocol.DirectionRight || frame.TargetID != "DEV-4821" {
		t.Fatalf("unexpected frame %#v", frame)
	}
	select {
	case extra := <-listener.Inbound():
		t.Fatalf("unexpected extra frame %#v", extra)
	default:
	}
}

func TestLocalConnSendAfterClose(t *testing.T) {
	conn, err := (&LocalDialer{Bus: NewMemoryBus(), SelfID: "ctl"}).Dial(context.Background(), "DEV-1")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Send(protocol.ConnectMessage{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if conn.Err() != nil {
		t.Fatalf("expected nil Err after local close, got %v", conn.Err())
	}
}

func TestPublishAdvertiseUsesAdvertiseTopic(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, AdvertiseTopic)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	device := models.DeviceInfo{ID: "DEV-4821", Name: "Laptop-552", LastSeen: 1000}
	if err := PublishAdvertise(ctx, bus, device); err != nil {
		t.Fatalf("PublishAdvertise failed: %v", err)
	}

	raw := <-sub.Messages()
	frame, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	ad, ok := frame.Message.(protocol.AdvertiseMessage)
	if !ok || ad.Device != device {
		t.Fatalf("unexpected advertise frame %#v", frame)
	}
}

func waitForFrame(t *testing.T, source Source, timeout time.Duration) protocol.Frame {
	t.Helper()
	select {
	case frame := <-source.Inbound():
		return frame
	case <-source.Done():
		t.Fatalf("source ended while waiting for frame: %v", source.Err())
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for frame")
	}
	return protocol.Frame{}
}
