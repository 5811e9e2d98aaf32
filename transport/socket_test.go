package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"touchmouse/protocol"
)

func TestBridgeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"192.168.1.20", "ws://192.168.1.20:8080/"},
		{"192.168.1.20:9000", "ws://192.168.1.20:9000/"},
		{"desk.local", "ws://desk.local:8080/"},
		{"::1", "ws://[::1]:8080/"},
		{"[::1]:7000", "ws://[::1]:7000/"},
		{"ws://10.0.0.5:8080", "ws://10.0.0.5:8080/"},
		{"wss://bridge.example/pointer", "wss://bridge.example/pointer"},
	}
	for _, tc := range cases {
		got, err := BridgeURL(tc.in)
		if err != nil {
			t.Fatalf("BridgeURL(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("BridgeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "  ", "host:0", "host:99999", "a/b", ":8080", "ws://"} {
		if _, err := BridgeURL(bad); !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("expected ErrInvalidTarget for %q, got %v", bad, err)
		}
	}
}

type fakeBridge struct {
	server   *httptest.Server
	received chan protocol.Frame
	conns    chan *websocket.Conn
}

func newFakeBridge(t *testing.T, name string) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{
		received: make(chan protocol.Frame, 16),
		conns:    make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.conns <- ws
		hello, _ := protocol.Encode(protocol.HandshakeMessage{Name: name}, "")
		_ = ws.WriteMessage(websocket.TextMessage, hello)
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if frame, err := protocol.Decode(raw); err == nil {
				fb.received <- frame
			}
		}
	}))
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBridge) address() string {
	return strings.TrimPrefix(fb.server.URL, "http://")
}

func TestSocketDialCapturesHandshakeAndSends(t *testing.T) {
	fb := newFakeBridge(t, "studio-mac")

	conn, err := (&SocketDialer{}).Dial(context.Background(), fb.address())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	frame := waitForFrame(t, conn, 2*time.Second)
	if hs, ok := frame.Message.(protocol.HandshakeMessage); !ok || hs.Name != "studio-mac" {
		t.Fatalf("expected handshake, got %#v", frame)
	}
	if namer, ok := conn.(PeerNamer); !ok || namer.PeerName() != "studio-mac" {
		t.Fatalf("expected captured peer name")
	}

	if err := conn.Send(protocol.ActionMessage{Action: protocol.ActionRightClick}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case got := <-fb.received:
		if action, ok := got.Message.(protocol.ActionMessage); !ok || action.Action != protocol.ActionRightClick {
			t.Fatalf("unexpected frame at bridge %#v", got)
		}
		if got.TargetID != "" {
			t.Fatalf("expected no targetId on bridge frames, got %q", got.TargetID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge did not receive frame")
	}
}

func TestSocketRemoteCloseReportsPeerClosed(t *testing.T) {
	fb := newFakeBridge(t, "desk")

	conn, err := (&SocketDialer{}).Dial(context.Background(), fb.address())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	serverSide := <-fb.conns
	_ = serverSide.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("conn did not end after remote close")
	}
	if !errors.Is(conn.Err(), ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", conn.Err())
	}
}

func TestSocketDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	address := strings.TrimPrefix(server.URL, "http://")
	server.Close()

	_, err := (&SocketDialer{HandshakeTimeout: time.Second}).Dial(context.Background(), address)
	if !errors.Is(err, ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure, got %v", err)
	}
}
