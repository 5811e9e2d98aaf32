package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"touchmouse/protocol"
)

const (
	// DefaultBridgePort is the port the reference bridge listens on.
	DefaultBridgePort = 8080
	// DefaultBridgeHandshakeTimeout bounds the WebSocket opening handshake.
	DefaultBridgeHandshakeTimeout = 10 * time.Second

	bridgeWriteTimeout = 5 * time.Second
	bridgeReadLimit    = 64 * 1024
)

// BridgeURL normalizes a bridge address into a WebSocket URL. It accepts
// ws:// and wss:// URLs, host:port, a bare host or a bare IPv6 literal.
func BridgeURL(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("%w: empty bridge address", ErrInvalidTarget)
	}

	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: bridge url %q", ErrInvalidTarget, target)
		}
		if u.Path == "" {
			u.Path = "/"
		}
		return u.String(), nil
	}

	if strings.ContainsAny(target, "/ \t") {
		return "", fmt.Errorf("%w: bridge address %q", ErrInvalidTarget, target)
	}

	host, port, err := net.SplitHostPort(target)
	if err != nil {
		if ip := net.ParseIP(target); ip != nil || !strings.Contains(target, ":") {
			host, port = target, strconv.Itoa(DefaultBridgePort)
		} else {
			return "", fmt.Errorf("%w: bridge address %q: %v", ErrInvalidTarget, target, err)
		}
	}
	if host == "" {
		return "", fmt.Errorf("%w: bridge address %q has no host", ErrInvalidTarget, target)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%w: bridge port %q", ErrInvalidTarget, port)
	}

	return (&url.URL{Scheme: "ws", Host: net.JoinHostPort(host, port), Path: "/"}).String(), nil
}

// SocketDialer opens socket bridge links to a remote actuator.
type SocketDialer struct {
	// Dialer defaults to a copy of websocket.DefaultDialer.
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

type socketConn struct {
	*link
	ws       *websocket.Conn
	address  string
	writeMu  sync.Mutex
	peerName atomic.Value
	closing  atomic.Bool
	wg       sync.WaitGroup
}

// Dial completes the WebSocket handshake. The returned link is open; the
// bridge's HANDSHAKE frame arrives on Inbound shortly after.
func (d *SocketDialer) Dial(ctx context.Context, target string) (Conn, error) {
	wsURL, err := BridgeURL(target)
	if err != nil {
		return nil, err
	}

	dialer := websocket.DefaultDialer
	if d.Dialer != nil {
		dialer = d.Dialer
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultBridgeHandshakeTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectFailure, ctxErr)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectFailure, wsURL, err)
	}
	ws.SetReadLimit(bridgeReadLimit)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn := &socketConn{
		link:    newLink(logger.With("transport", KindSocketBridge, "peer", target)),
		ws:      ws,
		address: target,
	}
	conn.peerName.Store("")
	conn.wg.Add(1)
	go conn.readLoop()
	return conn, nil
}

func (c *socketConn) Kind() Kind { return KindSocketBridge }

func (c *socketConn) Peer() string { return c.address }

// PeerName returns the name the bridge announced in its HANDSHAKE, or "".
func (c *socketConn) PeerName() string {
	return c.peerName.Load().(string)
}

func (c *socketConn) Send(msg protocol.Message) error {
	if c.isDone() {
		return ErrClosed
	}
	raw, err := protocol.Encode(msg, "")
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write bridge frame: %w", err)
	}
	return nil
}

func (c *socketConn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		c.wg.Wait()
		return nil
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.finish(nil)
	err := c.ws.Close()
	c.wg.Wait()
	return err
}

func (c *socketConn) readLoop() {
	defer c.wg.Done()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				c.finish(nil)
				return
			}
			if c.finish(fmt.Errorf("%w: %v", ErrPeerClosed, err)) {
				c.logger.Info("bridge stream closed", "error", err)
			}
			_ = c.ws.Close()
			return
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		if hs, isHandshake := frame.Message.(protocol.HandshakeMessage); isHandshake {
			c.peerName.Store(hs.Name)
		}
		c.deliver(frame)
	}
}

// PeerNamer is implemented by links whose peer announces a display name.
type PeerNamer interface {
	PeerName() string
}

var _ PeerNamer = (*socketConn)(nil)

// IsPeerClosed reports whether err signals a remote close.
func IsPeerClosed(err error) bool {
	return errors.Is(err, ErrPeerClosed)
}
