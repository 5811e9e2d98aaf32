package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"touchmouse/protocol"
	"touchmouse/transport"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForEvent(t *testing.T, events <-chan Event, timeout time.Duration, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-events:
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session event")
		}
	}
}

func waitForState(t *testing.T, events <-chan Event, to State, reason Reason) Event {
	t.Helper()
	return waitForEvent(t, events, 2*time.Second, func(e Event) bool {
		return e.Type == EventStateChanged && e.To == to && e.Reason == reason
	})
}

func expectNoEvent(t *testing.T, events <-chan Event, wait time.Duration, match func(Event) bool) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case event := <-events:
			if match(event) {
				t.Fatalf("unexpected event %#v", event)
			}
		case <-deadline:
			return
		}
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// fakeConn is an in-memory transport.Conn.
type fakeConn struct {
	kind    transport.Kind
	peer    string
	inbound chan protocol.Frame
	done    chan struct{}

	mu     sync.Mutex
	sent   []protocol.Message
	err    error
	closed bool
	once   sync.Once
}

func newFakeConn(kind transport.Kind, peer string) *fakeConn {
	return &fakeConn{
		kind:    kind,
		peer:    peer,
		inbound: make(chan protocol.Frame, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Inbound() <-chan protocol.Frame { return c.inbound }
func (c *fakeConn) Done() <-chan struct{}          { return c.done }
func (c *fakeConn) Kind() transport.Kind           { return c.kind }
func (c *fakeConn) Peer() string                   { return c.peer }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.end(nil, true)
	return nil
}

func (c *fakeConn) remoteClose() {
	c.end(transport.ErrPeerClosed, false)
}

func (c *fakeConn) end(err error, local bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.closed = local || c.closed
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentMessages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

// fakeDialer hands out a prepared conn or error. When gate is set Dial
// blocks until it is closed, ignoring ctx, to model a late confirmation.
type fakeDialer struct {
	conn  *fakeConn
	err   error
	gate  chan struct{}
	calls chan string
}

func (d *fakeDialer) Dial(_ context.Context, target string) (transport.Conn, error) {
	if d.calls != nil {
		d.calls <- target
	}
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}
