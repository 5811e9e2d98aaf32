package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"touchmouse/clock"
	"touchmouse/protocol"
	"touchmouse/transport"
)

// DefaultConnectDelay is how long a local channel session waits after
// sending CONNECT before it considers itself connected.
const DefaultConnectDelay = time.Second

// ControllerConfig configures the controller role.
type ControllerConfig struct {
	// SelfID is sent as CONNECT.from on the local channel.
	SelfID  string
	Dialers map[transport.Kind]transport.Dialer
	// ConnectDelay is the optimistic promotion delay for the local channel.
	// The receiver never acknowledges CONNECT; if that frame is lost the
	// controller believes it is connected while the receiver does not.
	ConnectDelay time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	EventBuffer  int
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	out := c
	if out.ConnectDelay <= 0 {
		out.ConnectDelay = DefaultConnectDelay
	}
	out.Clock = clock.OrReal(out.Clock)
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Controller drives the controller side of a session.
type Controller struct {
	cfg    ControllerConfig
	logger *slog.Logger
	emitter

	mu      sync.Mutex
	state   State
	peer    string
	kind    transport.Kind
	conn    transport.Conn
	attempt uint64
	cancel  context.CancelFunc
	promote *clock.Timer

	wg sync.WaitGroup
}

// NewController creates a DISCONNECTED controller.
func NewController(config ControllerConfig) (*Controller, error) {
	cfg := config.withDefaults()
	if len(cfg.Dialers) == 0 {
		return nil, errors.New("session: at least one dialer is required")
	}
	logger := cfg.Logger.With("role", RoleController)
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		emitter: newEmitter(cfg.EventBuffer, logger),
		state:   StateDisconnected,
	}, nil
}

// Events provides session updates in transition order. It is never closed.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the session.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{Role: RoleController, Peer: c.peer, State: c.state, Transport: c.kind}
}

// Connect moves DISCONNECTED to CONNECTING and starts opening the link
// chosen by SelectTransport. The outcome arrives on Events.
func (c *Controller) Connect(target Target) error {
	kind := SelectTransport(target)
	dialer := c.cfg.Dialers[kind]
	if dialer == nil {
		return fmt.Errorf("session: no dialer for %s", kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return ErrBusy
	}

	c.attempt++
	gen := c.attempt
	c.peer = target.ID
	c.kind = kind
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(StateConnecting, ReasonConnect, nil)
	c.logger.Info("connecting", "peer", target.ID, "transport", kind)

	c.wg.Add(1)
	go c.dial(ctx, gen, dialer, target.ID)
	return nil
}

// Send forwards msg to the peer. Only CONNECTED sessions send.
func (c *Controller) Send(msg protocol.Message) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()
	return conn.Send(msg)
}

// Exit ends the session by user request. An in-flight connect is cancelled
// and its late confirmation discarded.
func (c *Controller) Exit() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	conn := c.resetLocked()
	c.setStateLocked(StateDisconnected, ReasonUserExit, nil)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Info("session exited")
}

// Close exits and waits for background work to finish.
func (c *Controller) Close() {
	c.Exit()
	c.wg.Wait()
}

func (c *Controller) dial(ctx context.Context, gen uint64, dialer transport.Dialer, target string) {
	defer c.wg.Done()

	conn, err := dialer.Dial(ctx, target)

	c.mu.Lock()
	if gen != c.attempt || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
			c.logger.Debug("discarded late connect confirmation", "peer", target)
		}
		return
	}

	if err != nil {
		reason := ReasonConnectFailure
		if errors.Is(err, transport.ErrInvalidTarget) {
			reason = ReasonInvalidTarget
		}
		c.resetLocked()
		c.setStateLocked(StateDisconnected, reason, err)
		c.emit(Event{Type: EventNotice, Reason: reason, Peer: target, Transport: c.kind, Err: err})
		c.mu.Unlock()
		c.logger.Warn("connect failed", "peer", target, "error", err)
		return
	}

	c.conn = conn
	if conn.Kind() == transport.KindLocalChannel {
		if err := conn.Send(protocol.ConnectMessage{From: c.cfg.SelfID}); err != nil {
			c.resetLocked()
			failure := fmt.Errorf("%w: send connect: %v", transport.ErrConnectFailure, err)
			c.setStateLocked(StateDisconnected, ReasonConnectFailure, failure)
			c.emit(Event{Type: EventNotice, Reason: ReasonConnectFailure, Peer: target, Transport: c.kind, Err: failure})
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.promote = c.cfg.Clock.AfterFunc(c.cfg.ConnectDelay, func() { c.promoteOptimistic(gen) })
	} else {
		c.setStateLocked(StateConnected, ReasonOpened, nil)
	}

	c.wg.Add(1)
	go c.watch(gen, conn)
	c.mu.Unlock()
}

func (c *Controller) promoteOptimistic(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.attempt || c.state != StateConnecting {
		return
	}
	c.promote = nil
	c.setStateLocked(StateConnected, ReasonOptimistic, nil)
}

// watch surfaces the bridge handshake and ends the session when the link
// drops.
func (c *Controller) watch(gen uint64, conn transport.Conn) {
	defer c.wg.Done()
	for {
		select {
		case frame := <-conn.Inbound():
			if hs, ok := frame.Message.(protocol.HandshakeMessage); ok {
				c.emit(Event{Type: EventHandshake, Peer: conn.Peer(), Transport: conn.Kind(), Name: hs.Name})
				continue
			}
			c.logger.Debug("ignoring inbound frame", "type", frame.Message.Type())
		case <-conn.Done():
			c.onLinkDone(gen, conn)
			return
		}
	}
}

func (c *Controller) onLinkDone(gen uint64, conn transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.attempt || c.state == StateDisconnected {
		return
	}

	err := conn.Err()
	if err == nil || !transport.IsPeerClosed(err) {
		err = fmt.Errorf("%w: link ended", transport.ErrPeerClosed)
	}
	c.resetLocked()
	c.setStateLocked(StateDisconnected, ReasonPeerClosed, err)
	c.emit(Event{Type: EventNotice, Reason: ReasonPeerClosed, Peer: conn.Peer(), Transport: conn.Kind(), Err: err})
	c.logger.Info("peer closed the link", "peer", conn.Peer(), "error", err)
}

// resetLocked invalidates the current attempt and returns the conn the
// caller must close.
func (c *Controller) resetLocked() transport.Conn {
	c.attempt++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.promote != nil {
		c.promote.Stop()
		c.promote = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Controller) setStateLocked(next State, reason Reason, err error) {
	prev := c.state
	c.state = next
	c.emit(Event{
		Type:      EventStateChanged,
		From:      prev,
		To:        next,
		Reason:    reason,
		Peer:      c.peer,
		Transport: c.kind,
		Err:       err,
	})
}
