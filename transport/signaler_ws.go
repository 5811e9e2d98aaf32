package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const signalWriteTimeout = 5 * time.Second

// WSSignaler registers rendezvous ids on a relay reached over WebSocket.
type WSSignaler struct {
	// URL is the relay endpoint, e.g. ws://relay.local:9000/signal.
	URL    string
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

type wsSignalChannel struct {
	id        string
	ws        *websocket.Conn
	signals   chan Signal
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// Register dials the relay with ?id=<id>. The relay rejects a taken id with
// an unavailable-id error frame, which Register reports as ErrIDUnavailable.
func (s *WSSignaler) Register(ctx context.Context, id string) (SignalChannel, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("transport: rendezvous id is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("transport: signaling url %q is invalid", s.URL)
	}
	query := u.Query()
	query.Set("id", id)
	u.RawQuery = query.Encode()

	dialer := websocket.DefaultDialer
	if s.Dialer != nil {
		dialer = s.Dialer
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}

	// The relay answers registration with either a welcome or an error.
	var first Signal
	_ = ws.SetReadDeadline(time.Now().Add(signalWriteTimeout))
	if err := ws.ReadJSON(&first); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read signaling welcome: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	if first.Type == SignalError {
		_ = ws.Close()
		if first.Error == SignalErrorUnavailableID {
			return nil, fmt.Errorf("%w: %s", ErrIDUnavailable, id)
		}
		return nil, fmt.Errorf("transport: signaling relay: %s", first.Error)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ch := &wsSignalChannel{
		id:      id,
		ws:      ws,
		signals: make(chan Signal, 16),
		done:    make(chan struct{}),
		logger:  logger.With("rendezvous", id),
	}
	ch.wg.Add(1)
	go ch.readLoop()
	return ch, nil
}

func (c *wsSignalChannel) ID() string { return c.id }

func (c *wsSignalChannel) Signals() <-chan Signal { return c.signals }

func (c *wsSignalChannel) Send(ctx context.Context, signal Signal) error {
	signal.From = c.id

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(signalWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(signal); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	return nil
}

func (c *wsSignalChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		c.wg.Wait()
	})
	return err
}

func (c *wsSignalChannel) readLoop() {
	defer c.wg.Done()
	defer close(c.signals)
	for {
		var signal Signal
		if err := c.ws.ReadJSON(&signal); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("signaling relay read ended", "error", err)
			}
			return
		}
		select {
		case c.signals <- signal:
		case <-c.done:
			return
		}
	}
}
