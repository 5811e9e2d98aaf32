// Package transport carries protocol frames between a controller and a
// receiver over one of three interchangeable links: the local channel bus,
// the socket bridge and the peer link.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"touchmouse/protocol"
)

// Kind identifies the link backing a session.
type Kind string

const (
	KindLocalChannel Kind = "local_channel"
	KindSocketBridge Kind = "socket_bridge"
	KindPeerLink     Kind = "peer_link"
)

var (
	// ErrInvalidTarget indicates a malformed endpoint id or code.
	ErrInvalidTarget = errors.New("transport: invalid target")
	// ErrConnectFailure indicates the link could not be opened.
	ErrConnectFailure = errors.New("transport: connect failure")
	// ErrPeerClosed indicates the remote side ended an open link.
	ErrPeerClosed = errors.New("transport: peer closed")
	// ErrClosed indicates use of a link after it was closed locally.
	ErrClosed = errors.New("transport: closed")
)

const defaultInboundBuffer = 64

// Source is a stream of inbound frames.
//
// Inbound is never closed; consumers select on Done as well. Err reports
// nil after a local Close and wraps ErrPeerClosed after a remote close.
type Source interface {
	Inbound() <-chan protocol.Frame
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Conn is an open link to one peer.
type Conn interface {
	Source
	Kind() Kind
	// Peer returns the endpoint id or address the link was opened to.
	Peer() string
	Send(msg protocol.Message) error
}

// Dialer opens a Conn to a target. Dial blocks until the link is open, the
// target is rejected or ctx ends.
type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// link holds the inbound plumbing shared by every Conn implementation.
type link struct {
	inbound   chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger

	mu  sync.RWMutex
	err error
}

func newLink(logger *slog.Logger) *link {
	if logger == nil {
		logger = slog.Default()
	}
	return &link{
		inbound: make(chan protocol.Frame, defaultInboundBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (l *link) Inbound() <-chan protocol.Frame { return l.inbound }

func (l *link) Done() <-chan struct{} { return l.done }

func (l *link) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// deliver blocks until the frame is consumed or the link ends, which keeps
// reliable links in order.
func (l *link) deliver(frame protocol.Frame) {
	select {
	case l.inbound <- frame:
	case <-l.done:
	}
}

// offer drops the frame when the consumer is behind.
func (l *link) offer(frame protocol.Frame) bool {
	select {
	case l.inbound <- frame:
		return true
	default:
		return false
	}
}

// decodeAndDeliver decodes raw and forwards it. Undecodable frames are logged
// and dropped; the caller keeps reading.
func (l *link) decodeAndDeliver(raw []byte, reliable bool) (protocol.Frame, bool) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		l.logger.Debug("dropping undecodable frame", "error", err)
		return protocol.Frame{}, false
	}
	if reliable {
		l.deliver(frame)
		return frame, true
	}
	if !l.offer(frame) {
		l.logger.Debug("inbound buffer full, dropping frame", "type", frame.Message.Type())
		return frame, false
	}
	return frame, true
}

// finish ends the link once. The first error wins.
func (l *link) finish(err error) bool {
	finished := false
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		finished = true
	})
	return finished
}

func (l *link) isDone() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
