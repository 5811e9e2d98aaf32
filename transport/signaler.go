package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// SignalType discriminates rendezvous signaling frames.
type SignalType string

const (
	SignalOffer   SignalType = "offer"
	SignalAnswer  SignalType = "answer"
	SignalError   SignalType = "error"
	// SignalWelcome acknowledges a registration on a relay.
	SignalWelcome SignalType = "welcome"
)

// Rendezvous error codes carried in Signal.Error.
const (
	SignalErrorPeerUnavailable = "peer-unavailable"
	SignalErrorUnavailableID   = "unavailable-id"
)

var (
	// ErrIDUnavailable indicates the rendezvous id is already registered.
	ErrIDUnavailable = errors.New("transport: rendezvous id unavailable")
	// ErrPeerUnavailable indicates nobody is registered under the target id.
	ErrPeerUnavailable = errors.New("transport: rendezvous peer unavailable")
)

// Signal is one SDP exchange frame between two rendezvous ids.
type Signal struct {
	Type  SignalType `json:"type"`
	From  string     `json:"from,omitempty"`
	To    string     `json:"to,omitempty"`
	SDP   string     `json:"sdp,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Signaler registers rendezvous ids for SDP exchange.
type Signaler interface {
	Register(ctx context.Context, id string) (SignalChannel, error)
}

// SignalChannel is a registered rendezvous id. Signals is closed when the
// channel ends.
type SignalChannel interface {
	ID() string
	Send(ctx context.Context, signal Signal) error
	Signals() <-chan Signal
	Close() error
}

// MemorySignaler exchanges signals between ids registered in one process.
type MemorySignaler struct {
	mu       sync.Mutex
	channels map[string]*memorySignalChannel
}

type memorySignalChannel struct {
	signaler  *MemorySignaler
	id        string
	signals   chan Signal
	closeOnce sync.Once
}

// NewMemorySignaler returns an empty in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{channels: make(map[string]*memorySignalChannel)}
}

func (s *MemorySignaler) Register(_ context.Context, id string) (SignalChannel, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("transport: rendezvous id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.channels[id]; taken {
		return nil, fmt.Errorf("%w: %s", ErrIDUnavailable, id)
	}
	ch := &memorySignalChannel{
		signaler: s,
		id:       id,
		signals:  make(chan Signal, 16),
	}
	s.channels[id] = ch
	return ch, nil
}

func (c *memorySignalChannel) ID() string { return c.id }

func (c *memorySignalChannel) Signals() <-chan Signal { return c.signals }

func (c *memorySignalChannel) Send(ctx context.Context, signal Signal) error {
	signal.From = c.id

	c.signaler.mu.Lock()
	defer c.signaler.mu.Unlock()
	if _, live := c.signaler.channels[c.id]; !live {
		return ErrClosed
	}
	target := c.signaler.channels[signal.To]
	if target == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnavailable, signal.To)
	}
	select {
	case target.signals <- signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("transport: signal queue full for %s", signal.To)
	}
}

func (c *memorySignalChannel) Close() error {
	c.signaler.mu.Lock()
	if c.signaler.channels[c.id] == c {
		delete(c.signaler.channels, c.id)
	}
	c.signaler.mu.Unlock()

	c.closeOnce.Do(func() { close(c.signals) })
	return nil
}
