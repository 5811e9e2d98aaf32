// Package rendezvous is the signaling relay peer links use to exchange SDP.
// Each WebSocket registers one id; offers and answers are forwarded by id.
package rendezvous

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"touchmouse/transport"
)

const (
	// SignalPath is where the relay accepts registrations.
	SignalPath = "/signal"

	defaultReadLimit   = 64 * 1024
	pingInterval       = 40 * time.Second
	pongWait           = 60 * time.Second
	writeTimeout       = 10 * time.Second
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
	sendBuffer         = 32
)

// Options configures a Relay.
type Options struct {
	Logger   *slog.Logger
	Upgrader *websocket.Upgrader
}

// Relay routes offer and answer signals between registered ids.
type Relay struct {
	mu       sync.RWMutex
	clients  map[string]*client
	upgrader websocket.Upgrader
	logger   *slog.Logger
	wg       sync.WaitGroup
}

type client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// NewRelay builds an empty relay.
func NewRelay(opts Options) *Relay {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		clients:  make(map[string]*client),
		upgrader: upgrader,
		logger:   logger.With("component", "rendezvous"),
	}
}

// Handler serves the relay under SignalPath.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(SignalPath, r)
	return mux
}

// ServeHTTP upgrades one registration. The id comes from the id query
// parameter; an empty id gets a generated one.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(req.URL.Query().Get("id"))
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if !r.register(c) {
		r.logger.Info("rejected duplicate id", "id", id)
		rejectDuplicate(conn, id)
		return
	}
	r.logger.Info("registered", "id", id, "clients", r.Len())

	r.wg.Add(2)
	go r.writePump(c)
	go r.readPump(c)
}

// Len returns the number of registered ids.
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Registered reports whether id is currently registered.
func (r *Relay) Registered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

// Close disconnects every client and waits for their pumps to exit.
func (r *Relay) Close() {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.stop()
		_ = c.conn.Close()
	}
	r.wg.Wait()
}

func (r *Relay) register(c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.clients[c.id]; taken {
		return false
	}
	r.clients[c.id] = c
	c.sendSignal(transport.Signal{Type: transport.SignalWelcome, To: c.id})
	return true
}

func (r *Relay) unregister(c *client) {
	r.mu.Lock()
	if r.clients[c.id] == c {
		delete(r.clients, c.id)
	}
	r.mu.Unlock()
	r.logger.Info("unregistered", "id", c.id)
}

func (r *Relay) handleInbound(c *client, signal transport.Signal) {
	switch signal.Type {
	case transport.SignalOffer, transport.SignalAnswer:
	default:
		r.logger.Debug("unknown signal type", "from", c.id, "type", signal.Type)
		return
	}
	if signal.To == "" {
		return
	}

	signal.From = c.id
	r.mu.RLock()
	target := r.clients[signal.To]
	r.mu.RUnlock()
	if target == nil {
		r.logger.Debug("signal target missing", "from", c.id, "to", signal.To)
		c.sendSignal(transport.Signal{
			Type:  transport.SignalError,
			To:    c.id,
			From:  signal.To,
			Error: transport.SignalErrorPeerUnavailable,
		})
		return
	}
	target.sendSignal(signal)
}

func (r *Relay) readPump(c *client) {
	defer func() {
		r.unregister(c)
		c.stop()
		_ = c.conn.Close()
		r.wg.Done()
	}()

	c.conn.SetReadLimit(defaultReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				r.logger.Debug("read ended", "id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var signal transport.Signal
		if err := json.Unmarshal(data, &signal); err != nil {
			r.logger.Debug("bad payload", "id", c.id, "error", err)
			continue
		}
		r.handleInbound(c, signal)
	}
}

func (r *Relay) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		r.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) sendSignal(signal transport.Signal) {
	data, err := json.Marshal(signal)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}

func (c *client) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// rejectDuplicate tells the caller its id is taken and closes the socket.
func rejectDuplicate(conn *websocket.Conn, id string) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(transport.Signal{
		Type:  transport.SignalError,
		To:    id,
		Error: transport.SignalErrorUnavailableID,
	})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, transport.SignalErrorUnavailableID),
		time.Now().Add(time.Second))
}
