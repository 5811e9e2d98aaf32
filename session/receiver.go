package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"touchmouse/clock"
	"touchmouse/protocol"
	"touchmouse/transport"
)

// ErrReceiverClosed indicates Attach after Exit.
var ErrReceiverClosed = errors.New("session: receiver closed")

// ReceiverConfig configures the receiver role.
type ReceiverConfig struct {
	SelfID string
	// IdleTimeout reverts a CONNECTED receiver to DISCONNECTED after that long
	// without an addressed frame. Zero disables it.
	IdleTimeout time.Duration
	// Handler receives MOVE and ACTION messages in arrival order.
	Handler     FrameHandler
	Clock       clock.Clock
	Logger      *slog.Logger
	EventBuffer int
}

func (c ReceiverConfig) withDefaults() ReceiverConfig {
	out := c
	out.Clock = clock.OrReal(out.Clock)
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.IdleTimeout < 0 {
		out.IdleTimeout = 0
	}
	return out
}

// Receiver tracks the receiver side of a session. It is promoted straight
// to CONNECTED by the first addressed CONNECT, MOVE or ACTION; there is no
// CONNECTING state.
type Receiver struct {
	cfg    ReceiverConfig
	logger *slog.Logger
	emitter

	// handle serializes Handler calls across sources.
	handle sync.Mutex

	mu      sync.Mutex
	state   State
	peer    string
	kind    transport.Kind
	active  transport.Source
	sources map[transport.Source]struct{}
	idle    *clock.Timer
	idleGen uint64
	closed  bool

	wg sync.WaitGroup
}

// NewReceiver creates a DISCONNECTED receiver.
func NewReceiver(config ReceiverConfig) *Receiver {
	cfg := config.withDefaults()
	logger := cfg.Logger.With("role", RoleReceiver)
	return &Receiver{
		cfg:     cfg,
		logger:  logger,
		emitter: newEmitter(cfg.EventBuffer, logger),
		state:   StateDisconnected,
		sources: make(map[transport.Source]struct{}),
	}
}

// Events provides session updates in transition order. It is never closed.
func (r *Receiver) Events() <-chan Event {
	return r.events
}

// State returns the current state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Info returns a snapshot of the session.
func (r *Receiver) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{Role: RoleReceiver, Peer: r.peer, State: r.state, Transport: r.kind}
}

// Attach pumps frames from src into the receiver until src ends or the
// receiver exits. kind labels frames from src in events.
func (r *Receiver) Attach(src transport.Source, kind transport.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrReceiverClosed
	}
	r.sources[src] = struct{}{}
	r.wg.Add(1)
	go r.pump(src, kind)
	return nil
}

// HandleFrame applies one addressed frame. Sources attached with Attach go
// through here; it is exported for links that deliver frames themselves.
func (r *Receiver) HandleFrame(frame protocol.Frame, kind transport.Kind) {
	r.handleFrame(frame, kind, nil)
}

func (r *Receiver) handleFrame(frame protocol.Frame, kind transport.Kind, src transport.Source) {
	if frame.TargetID != "" && r.cfg.SelfID != "" && frame.TargetID != r.cfg.SelfID {
		r.logger.Debug("ignoring frame for another endpoint", "target", frame.TargetID)
		return
	}

	switch frame.Message.(type) {
	case protocol.ConnectMessage, protocol.MoveMessage, protocol.ActionMessage:
	default:
		r.logger.Debug("ignoring frame", "type", frame.Message.Type())
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if connect, ok := frame.Message.(protocol.ConnectMessage); ok && connect.From != "" {
		r.peer = connect.From
	}
	if r.state != StateConnected {
		r.kind = kind
		r.active = src
		r.setStateLocked(StateConnected, ReasonAddressedFrame)
		r.logger.Info("controller connected", "peer", r.peer, "transport", kind)
	}
	r.armIdleLocked()
	r.mu.Unlock()

	if frame.Message.Type() == protocol.TypeConnect || r.cfg.Handler == nil {
		return
	}
	r.handle.Lock()
	r.cfg.Handler(frame.Message)
	r.handle.Unlock()
}

// Exit leaves receiver mode: attached sources are closed and the session
// ends with user_exit. Exit waits for in-flight handler calls.
func (r *Receiver) Exit() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.stopIdleLocked()
	sources := make([]transport.Source, 0, len(r.sources))
	for src := range r.sources {
		sources = append(sources, src)
	}
	r.sources = map[transport.Source]struct{}{}
	if r.state != StateDisconnected {
		r.setStateLocked(StateDisconnected, ReasonUserExit)
	}
	r.mu.Unlock()

	for _, src := range sources {
		_ = src.Close()
	}
	r.wg.Wait()
	r.logger.Info("receiver exited")
}

func (r *Receiver) pump(src transport.Source, kind transport.Kind) {
	defer r.wg.Done()
	for {
		select {
		case frame := <-src.Inbound():
			r.handleFrame(frame, kind, src)
		case <-src.Done():
			r.detach(src)
			return
		}
	}
}

// detach forgets src. When the link that promoted the session was closed
// by the peer, the session ends with peer_closed.
func (r *Receiver) detach(src transport.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, src)
	if r.closed || r.active != src || r.state != StateConnected {
		return
	}
	if err := src.Err(); err != nil && transport.IsPeerClosed(err) {
		r.stopIdleLocked()
		r.setStateLocked(StateDisconnected, ReasonPeerClosed)
		r.emit(Event{Type: EventNotice, Reason: ReasonPeerClosed, Peer: r.peer, Transport: r.kind, Err: err})
	}
}

func (r *Receiver) armIdleLocked() {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	r.stopIdleLocked()
	r.idleGen++
	gen := r.idleGen
	r.idle = r.cfg.Clock.AfterFunc(r.cfg.IdleTimeout, func() { r.onIdle(gen) })
}

func (r *Receiver) stopIdleLocked() {
	r.idleGen++
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
}

func (r *Receiver) onIdle(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.idleGen || r.state != StateConnected {
		return
	}
	r.idle = nil
	r.active = nil
	r.setStateLocked(StateDisconnected, ReasonIdleTimeout)
	r.logger.Info("controller idle, session ended", "peer", r.peer, "timeout", r.cfg.IdleTimeout)
}

func (r *Receiver) setStateLocked(next State, reason Reason) {
	prev := r.state
	r.state = next
	r.emit(Event{
		Type:      EventStateChanged,
		From:      prev,
		To:        next,
		Reason:    reason,
		Peer:      r.peer,
		Transport: r.kind,
	})
}
