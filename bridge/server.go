package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"touchmouse/discovery"
	"touchmouse/protocol"
	"touchmouse/transport"
)

const (
	readLimit    = 64 * 1024
	writeTimeout = 5 * time.Second
)

// Config configures a bridge Server.
type Config struct {
	// ListenAddr defaults to ":8080".
	ListenAddr string
	// Name is announced in HANDSHAKE. Defaults to the host name.
	Name     string
	DeviceID string
	Actuator Actuator
	// Announce registers the bridge over mDNS once listening.
	Announce bool
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.ListenAddr == "" {
		out.ListenAddr = fmt.Sprintf(":%d", transport.DefaultBridgePort)
	}
	if strings.TrimSpace(out.Name) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "touchmouse-bridge"
		}
		out.Name = host
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Actuator == nil {
		out.Actuator = &LogActuator{Logger: out.Logger}
	}
	return out
}

// Server accepts controller streams and drives the Actuator. Streams are
// served concurrently; actuator calls are serialized.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	actMu    sync.Mutex
	dragging bool

	mu          sync.Mutex
	listener    net.Listener
	http        *http.Server
	broadcaster *discovery.Broadcaster
	streams     map[*websocket.Conn]struct{}
	wg          sync.WaitGroup
}

// NewServer builds a bridge with cfg.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "bridge"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		streams: make(map[*websocket.Conn]struct{}),
	}
}

// Name returns the name sent in HANDSHAKE.
func (s *Server) Name() string { return s.cfg.Name }

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln in the background.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return errors.New("bridge: already serving")
	}

	s.listener = ln
	s.http = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("bridge server stopped", "error", err)
		}
	}()
	s.logger.Info("bridge listening", "addr", ln.Addr().String(), "name", s.cfg.Name)

	if s.cfg.Announce {
		port := 0
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		b, err := discovery.StartBroadcaster(discovery.MDNSConfig{
			SelfDeviceID: s.cfg.DeviceID,
			DeviceName:   s.cfg.Name,
			Port:         port,
			Logger:       s.logger,
		})
		if err != nil {
			s.logger.Warn("mDNS announce failed", "error", err)
		} else {
			s.broadcaster = b
		}
	}
	return nil
}

// Addr returns the listening address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener, every stream and the mDNS announcement.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	b := s.broadcaster
	s.broadcaster = nil
	streams := make([]*websocket.Conn, 0, len(s.streams))
	for ws := range s.streams {
		streams = append(streams, ws)
	}
	s.mu.Unlock()

	b.Stop()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, ws := range streams {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	s.wg.Wait()
	return err
}

// ServeHTTP upgrades one controller stream.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	s.mu.Lock()
	s.streams[ws] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.serveStream(ws, r.RemoteAddr)
}

func (s *Server) serveStream(ws *websocket.Conn, remote string) {
	defer func() {
		s.mu.Lock()
		delete(s.streams, ws)
		s.mu.Unlock()
		_ = ws.Close()
		s.wg.Done()
	}()
	logger := s.logger.With("remote", remote)
	logger.Info("controller connected")

	hello, err := protocol.Encode(protocol.HandshakeMessage{Name: s.cfg.Name}, "")
	if err != nil {
		logger.Error("encode handshake", "error", err)
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		logger.Warn("send handshake", "error", err)
		return
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("controller disconnected")
			} else {
				logger.Debug("stream ended", "error", err)
			}
			return
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		if err := s.Apply(frame.Message); err != nil {
			logger.Warn("actuator failed", "type", frame.Message.Type(), "error", err)
		}
	}
}

// Apply performs one message on the actuator. Messages other than MOVE and
// ACTION are ignored.
func (s *Server) Apply(msg protocol.Message) error {
	s.actMu.Lock()
	defer s.actMu.Unlock()

	switch m := msg.(type) {
	case protocol.MoveMessage:
		dx, dy := m.Direction.Vector()
		step := PixelStep(m.Intensity)
		return s.cfg.Actuator.MoveBy(dx*step, dy*step)
	case protocol.ActionMessage:
		switch m.Action {
		case protocol.ActionLeftClick:
			return s.cfg.Actuator.Click(ButtonLeft, false)
		case protocol.ActionRightClick:
			return s.cfg.Actuator.Click(ButtonRight, false)
		case protocol.ActionDoubleClick:
			return s.cfg.Actuator.Click(ButtonLeft, true)
		case protocol.ActionDrag:
			return s.toggleDrag()
		}
	}
	return nil
}

// toggleDrag runs under actMu.
func (s *Server) toggleDrag() error {
	s.dragging = !s.dragging
	return s.cfg.Actuator.SetDrag(s.dragging)
}
