package rendezvous

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"touchmouse/protocol"
	"touchmouse/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T) (*Relay, *transport.WSSignaler) {
	t.Helper()
	relay := NewRelay(Options{Logger: testLogger()})
	server := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		relay.Close()
		server.Close()
	})
	signaler := &transport.WSSignaler{
		URL:    "ws" + strings.TrimPrefix(server.URL, "http") + SignalPath,
		Logger: testLogger(),
	}
	return relay, signaler
}

func waitForSignal(t *testing.T, channel transport.SignalChannel) transport.Signal {
	t.Helper()
	select {
	case signal, ok := <-channel.Signals():
		if !ok {
			t.Fatalf("signal channel closed")
		}
		return signal
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for signal")
	}
	return transport.Signal{}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRelayForwardsOfferAndAnswer(t *testing.T) {
	relay, signaler := newTestRelay(t)
	ctx := context.Background()

	receiver, err := signaler.Register(ctx, "tm-app-4821")
	require.NoError(t, err)
	defer receiver.Close()
	controller, err := signaler.Register(ctx, "tm-ctl-1")
	require.NoError(t, err)
	defer controller.Close()

	assert.Equal(t, 2, relay.Len())
	assert.True(t, relay.Registered("tm-app-4821"))

	err = controller.Send(ctx, transport.Signal{Type: transport.SignalOffer, To: "tm-app-4821", SDP: "offer-sdp"})
	require.NoError(t, err)
	offer := waitForSignal(t, receiver)
	assert.Equal(t, transport.SignalOffer, offer.Type)
	assert.Equal(t, "tm-ctl-1", offer.From)
	assert.Equal(t, "offer-sdp", offer.SDP)

	err = receiver.Send(ctx, transport.Signal{Type: transport.SignalAnswer, To: offer.From, SDP: "answer-sdp"})
	require.NoError(t, err)
	answer := waitForSignal(t, controller)
	assert.Equal(t, transport.SignalAnswer, answer.Type)
	assert.Equal(t, "tm-app-4821", answer.From)
	assert.Equal(t, "answer-sdp", answer.SDP)
}

func TestRelayRejectsDuplicateID(t *testing.T) {
	relay, signaler := newTestRelay(t)
	ctx := context.Background()

	first, err := signaler.Register(ctx, "tm-app-4821")
	require.NoError(t, err)
	_, err = signaler.Register(ctx, "tm-app-4821")
	require.ErrorIs(t, err, transport.ErrIDUnavailable)

	_ = first.Close()
	waitForCondition(t, 2*time.Second, func() bool { return !relay.Registered("tm-app-4821") })

	again, err := signaler.Register(ctx, "tm-app-4821")
	require.NoError(t, err, "id should be free after close")
	_ = again.Close()
}

func TestRelayReportsMissingPeer(t *testing.T) {
	_, signaler := newTestRelay(t)
	ctx := context.Background()

	controller, err := signaler.Register(ctx, "tm-ctl-1")
	require.NoError(t, err)
	defer controller.Close()

	err = controller.Send(ctx, transport.Signal{Type: transport.SignalOffer, To: "tm-app-0000", SDP: "x"})
	require.NoError(t, err)
	reply := waitForSignal(t, controller)
	assert.Equal(t, transport.SignalError, reply.Type)
	assert.Equal(t, transport.SignalErrorPeerUnavailable, reply.Error)
	assert.Equal(t, "tm-app-0000", reply.From)
}

func TestRelayAssignsIDWhenMissing(t *testing.T) {
	relay := NewRelay(Options{Logger: testLogger()})
	server := httptest.NewServer(relay.Handler())
	defer server.Close()
	defer relay.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + SignalPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var welcome transport.Signal
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, transport.SignalWelcome, welcome.Type)
	require.NotEmpty(t, welcome.To)
	assert.True(t, relay.Registered(welcome.To))
}

func TestPeerLinkOverRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("peer link over relay is slow")
	}
	_, signaler := newTestRelay(t)
	cfg := transport.PeerLinkConfig{Signaler: signaler, Logger: testLogger(), Timeout: 15 * time.Second}
	ctx := context.Background()

	listener, err := transport.ListenPeerLink(ctx, cfg, "4821")
	require.NoError(t, err)
	defer listener.Close()

	dialer, err := transport.NewPeerLinkDialer(cfg)
	require.NoError(t, err)
	_, err = dialer.Dial(ctx, "1111")
	require.ErrorIs(t, err, transport.ErrConnectFailure)

	controller, err := dialer.Dial(ctx, "4821")
	require.NoError(t, err)
	defer controller.Close()

	var receiver transport.Conn
	select {
	case receiver = <-listener.Accept():
	case <-time.After(10 * time.Second):
		t.Fatalf("listener did not accept link")
	}
	defer receiver.Close()

	want := protocol.MoveMessage{Direction: protocol.DirectionRight, Intensity: 3}
	require.NoError(t, controller.Send(want))
	select {
	case frame := <-receiver.Inbound():
		assert.Equal(t, want, frame.Message)
	case <-time.After(5 * time.Second):
		t.Fatalf("receiver never saw MOVE")
	}
}
