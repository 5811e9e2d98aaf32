package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"touchmouse/models"
	"touchmouse/protocol"
)

// ValidateEndpointID rejects empty ids and ids containing whitespace.
func ValidateEndpointID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty endpoint id", ErrInvalidTarget)
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: endpoint id %q contains whitespace", ErrInvalidTarget, id)
	}
	return nil
}

// LocalDialer opens local channel links over a Bus. Links are fire-and-forget:
// Dial succeeds as soon as the target id is valid, whether or not a receiver
// is listening.
type LocalDialer struct {
	Bus Bus
	// SelfID is the controller's own topic; frames addressed to it are
	// delivered on the conn's inbound stream. Optional.
	SelfID string
	Logger *slog.Logger
}

type localConn struct {
	*link
	bus    Bus
	target string
	sub    Subscription
	wg     sync.WaitGroup
}

// Dial validates target and returns a link that publishes to its topic.
func (d *LocalDialer) Dial(ctx context.Context, target string) (Conn, error) {
	if d.Bus == nil {
		return nil, errors.New("transport: local dialer has no bus")
	}
	if err := ValidateEndpointID(target); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailure, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn := &localConn{
		link:   newLink(logger.With("transport", KindLocalChannel, "peer", target)),
		bus:    d.Bus,
		target: target,
	}

	if d.SelfID != "" {
		sub, err := d.Bus.Subscribe(ctx, d.SelfID)
		if err != nil {
			return nil, fmt.Errorf("%w: subscribe %q: %v", ErrConnectFailure, d.SelfID, err)
		}
		conn.sub = sub
		conn.wg.Add(1)
		go conn.readLoop(d.SelfID)
	}
	return conn, nil
}

func (c *localConn) Kind() Kind { return KindLocalChannel }

func (c *localConn) Peer() string { return c.target }

// Send publishes msg addressed to the target. A frame nobody receives is
// lost without error.
func (c *localConn) Send(msg protocol.Message) error {
	if c.isDone() {
		return ErrClosed
	}
	raw, err := protocol.Encode(msg, c.target)
	if err != nil {
		return err
	}
	return c.bus.Publish(context.Background(), c.target, raw)
}

func (c *localConn) Close() error {
	c.finish(nil)
	if c.sub != nil {
		_ = c.sub.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *localConn) readLoop(selfID string) {
	defer c.wg.Done()
	for raw := range c.sub.Messages() {
		frame, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		if frame.TargetID != selfID {
			continue
		}
		c.offer(frame)
	}
}

// LocalListener receives frames addressed to one endpoint id on a Bus.
type LocalListener struct {
	*link
	selfID string
	sub    Subscription
	wg     sync.WaitGroup
}

// ListenLocal subscribes to selfID's topic. Frames whose targetId differs
// from selfID are discarded.
func ListenLocal(ctx context.Context, bus Bus, selfID string, logger *slog.Logger) (*LocalListener, error) {
	if bus == nil {
		return nil, errors.New("transport: local listener has no bus")
	}
	if err := ValidateEndpointID(selfID); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	sub, err := bus.Subscribe(ctx, selfID)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", selfID, err)
	}
	l := &LocalListener{
		link:   newLink(logger.With("transport", KindLocalChannel, "self", selfID)),
		selfID: selfID,
		sub:    sub,
	}
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

// ID returns the endpoint id the listener is bound to.
func (l *LocalListener) ID() string { return l.selfID }

func (l *LocalListener) Close() error {
	l.finish(nil)
	err := l.sub.Close()
	l.wg.Wait()
	return err
}

func (l *LocalListener) readLoop() {
	defer l.wg.Done()
	for raw := range l.sub.Messages() {
		frame, err := protocol.Decode(raw)
		if err != nil {
			l.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		if frame.TargetID != l.selfID {
			l.logger.Debug("ignoring frame for another endpoint", "target", frame.TargetID)
			continue
		}
		if !l.offer(frame) {
			l.logger.Debug("inbound buffer full, dropping frame", "type", frame.Message.Type())
		}
	}
	l.finish(nil)
}

// PublishAdvertise broadcasts one ADVERTISE frame for device.
func PublishAdvertise(ctx context.Context, bus Bus, device models.DeviceInfo) error {
	raw, err := protocol.Encode(protocol.AdvertiseMessage{Device: device}, "")
	if err != nil {
		return err
	}
	return bus.Publish(ctx, AdvertiseTopic, raw)
}
