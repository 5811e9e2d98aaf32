// Package app assembles the controller and receiver modes from discovery,
// transports, the session state machine and the input shaper.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"touchmouse/clock"
	"touchmouse/discovery"
	"touchmouse/input"
	"touchmouse/models"
	"touchmouse/session"
	"touchmouse/storage"
	"touchmouse/transport"
)

const eventBuffer = 256

// ErrNotRemembered reports a forget request for an unknown device.
var ErrNotRemembered = errors.New("app: device not in history")

// HistoryStore persists devices reached over the socket bridge.
type HistoryStore interface {
	discovery.HistorySource
	RecordConnection(device models.DeviceInfo) error
	RemoveHistory(deviceID string) error
}

// ControllerConfig configures controller mode.
type ControllerConfig struct {
	DeviceID string
	Bus      transport.Bus
	// History is optional.
	History HistoryStore
	// Signaler enables peer links. Optional.
	Signaler     transport.Signaler
	ConnectDelay time.Duration
	Sensitivity  input.Sensitivity
	// BrowseBridges mirrors mDNS-announced bridges into the registry.
	BrowseBridges bool
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Controller runs discovery, one session and the input shaper.
type Controller struct {
	cfg     ControllerConfig
	logger  *slog.Logger
	session *session.Controller
	shaper  *input.Shaper
	events  chan session.Event

	mu       sync.Mutex
	scanner  *discovery.Scanner
	browser  *discovery.BridgeBrowser
	registry *discovery.Registry

	startOnce sync.Once
	stopOnce  sync.Once
	stopping  atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewController wires the controller mode.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Bus == nil {
		return nil, errors.New("app: bus is required")
	}
	if err := transport.ValidateEndpointID(cfg.DeviceID); err != nil {
		return nil, err
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dialers := map[transport.Kind]transport.Dialer{
		transport.KindLocalChannel: &transport.LocalDialer{Bus: cfg.Bus, SelfID: cfg.DeviceID, Logger: cfg.Logger},
		transport.KindSocketBridge: &transport.SocketDialer{Logger: cfg.Logger},
	}
	if cfg.Signaler != nil {
		peer, err := transport.NewPeerLinkDialer(transport.PeerLinkConfig{Signaler: cfg.Signaler, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		dialers[transport.KindPeerLink] = peer
	}

	sess, err := session.NewController(session.ControllerConfig{
		SelfID:       cfg.DeviceID,
		Dialers:      dialers,
		ConnectDelay: cfg.ConnectDelay,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		logger:  cfg.Logger.With("mode", "controller"),
		session: sess,
		events:  make(chan session.Event, eventBuffer),
	}
	c.shaper = input.NewShaper(input.ShaperConfig{
		Sink:        sess.Send,
		Sensitivity: cfg.Sensitivity,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})
	return c, nil
}

// Start begins discovery and session event handling.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(context.Background())
		c.wg.Add(1)
		go c.eventLoop()
		err = c.StartDiscovery(ctx)
	})
	return err
}

// StartDiscovery opens a fresh registry, merges history into it and starts
// listening for advertisements. It is a no-op while discovery runs.
func (c *Controller) StartDiscovery(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanner != nil {
		return nil
	}

	var history discovery.HistorySource
	if c.cfg.History != nil {
		history = c.cfg.History
	}
	scanner, err := discovery.NewScanner(discovery.ScannerConfig{
		Bus:     c.cfg.Bus,
		History: history,
		Clock:   c.cfg.Clock,
		Logger:  c.cfg.Logger,
	})
	if err != nil {
		return err
	}
	if err := scanner.Start(ctx); err != nil {
		return err
	}
	c.scanner = scanner
	c.registry = scanner.Registry()

	if c.cfg.BrowseBridges {
		browser, err := discovery.NewBridgeBrowser(discovery.MDNSConfig{
			SelfDeviceID: c.cfg.DeviceID,
			Logger:       c.cfg.Logger,
		}, c.registry)
		if err != nil {
			c.logger.Warn("bridge browsing unavailable", "error", err)
		} else {
			browser.Start()
			c.browser = browser
		}
	}
	c.logger.Info("discovery started")
	return nil
}

// Discovering reports whether discovery timers are running.
func (c *Controller) Discovering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanner != nil
}

// StopDiscovery cancels every discovery timer. The last registry stays
// readable.
func (c *Controller) StopDiscovery() {
	c.mu.Lock()
	scanner, browser := c.scanner, c.browser
	c.scanner, c.browser = nil, nil
	c.mu.Unlock()

	if browser != nil {
		browser.Stop()
	}
	if scanner != nil {
		scanner.Stop()
		c.logger.Info("discovery stopped")
	}
}

// Devices returns the discovered endpoints sorted for display.
func (c *Controller) Devices() []models.DeviceInfo {
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()
	if registry == nil {
		return nil
	}
	return registry.List()
}

// Registry returns the current discovery registry, or nil before Start.
func (c *Controller) Registry() *discovery.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

// Forget drops a remembered device from history and from the device list.
func (c *Controller) Forget(id string) error {
	removed := false
	if registry := c.Registry(); registry != nil {
		removed = registry.Remove(id)
	}
	if c.cfg.History != nil {
		err := c.cfg.History.RemoveHistory(id)
		if err == nil {
			removed = true
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotRemembered, id)
	}
	c.logger.Info("device forgotten", "peer", id)
	return nil
}

// Connect starts a session to target.
func (c *Controller) Connect(target session.Target) error {
	return c.session.Connect(target)
}

// Exit ends the session. The shaper is reset first so no repeat frame
// follows the exit.
func (c *Controller) Exit() {
	c.shaper.Reset()
	c.session.Exit()
}

// Shaper returns the input shaper bound to the session.
func (c *Controller) Shaper() *input.Shaper { return c.shaper }

// Session returns the session state machine.
func (c *Controller) Session() *session.Controller { return c.session }

// Events forwards session events after the controller has acted on them.
func (c *Controller) Events() <-chan session.Event { return c.events }

// Stop tears down the session and discovery.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)
		c.shaper.Reset()
		c.session.Close()
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.StopDiscovery()
	})
}

func (c *Controller) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case event := <-c.session.Events():
			c.handleEvent(event)
			select {
			case c.events <- event:
			default:
				c.logger.Warn("controller event dropped", "type", event.Type)
			}
		}
	}
}

func (c *Controller) handleEvent(event session.Event) {
	switch event.Type {
	case session.EventStateChanged:
		// Discovery runs only while no session is up.
		switch event.To {
		case session.StateConnected:
			c.StopDiscovery()
		case session.StateDisconnected:
			c.shaper.Reset()
			if c.stopping.Load() {
				return
			}
			if err := c.StartDiscovery(c.ctx); err != nil {
				c.logger.Warn("restart discovery failed", "error", err)
			}
		}
	case session.EventNotice:
		c.logger.Info("session notice", "reason", event.Reason, "peer", event.Peer, "error", event.Err)
	case session.EventHandshake:
		c.recordBridge(event)
	}
}

// recordBridge remembers a bridge that completed its handshake so it shows
// up in the next discovery.
func (c *Controller) recordBridge(event session.Event) {
	if event.Transport != transport.KindSocketBridge || !models.IsAddress(event.Peer) {
		return
	}
	device := models.DeviceInfo{
		ID:       event.Peer,
		Name:     event.Name,
		LastSeen: c.cfg.Clock.Now().UnixMilli(),
	}
	registry := c.Registry()
	if registry != nil {
		registry.OnAdvertise(device, c.cfg.Clock.Now())
	}
	if c.cfg.History == nil {
		return
	}
	if err := c.cfg.History.RecordConnection(device); err != nil {
		c.logger.Warn("record history failed", "peer", event.Peer, "error", err)
		return
	}
	if registry != nil {
		registry.Merge([]models.DeviceInfo{device})
	}
	c.logger.Info("bridge saved to history", "peer", event.Peer, "name", event.Name)
}
