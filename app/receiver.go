package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"touchmouse/clock"
	"touchmouse/discovery"
	"touchmouse/input"
	"touchmouse/session"
	"touchmouse/transport"
)

// ReceiverConfig configures receiver mode.
type ReceiverConfig struct {
	DeviceID   string
	DeviceName string
	Bus        transport.Bus
	// Signaler enables a peer link listener. Optional.
	Signaler transport.Signaler
	// PeerCode is the room code for the peer link. Generated when empty.
	PeerCode    string
	IdleTimeout time.Duration
	// OnDisplay receives every pointer update.
	OnDisplay func(input.Snapshot)
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Receiver advertises itself, listens on the local channel and optionally a
// peer link, and renders inbound frames on a Display.
type Receiver struct {
	cfg        ReceiverConfig
	logger     *slog.Logger
	display    *input.Display
	session    *session.Receiver
	advertiser *discovery.Advertiser

	mu       sync.Mutex
	local    *transport.LocalListener
	peer     *transport.PeerLinkListener
	started  bool
	stopped  bool
	wg       sync.WaitGroup
	stopPeer chan struct{}
}

// NewReceiver wires the receiver mode.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Bus == nil {
		return nil, errors.New("app: bus is required")
	}
	if err := transport.ValidateEndpointID(cfg.DeviceID); err != nil {
		return nil, err
	}
	if cfg.Signaler != nil {
		if cfg.PeerCode == "" {
			cfg.PeerCode = transport.GenerateCode()
		}
		if err := transport.ValidateCode(cfg.PeerCode); err != nil {
			return nil, err
		}
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	display := input.NewDisplay(input.DisplayConfig{Clock: cfg.Clock, OnChange: cfg.OnDisplay, Logger: cfg.Logger})
	advertiser, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
		Bus:      cfg.Bus,
		DeviceID: cfg.DeviceID,
		Name:     cfg.DeviceName,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Receiver{
		cfg:        cfg,
		logger:     cfg.Logger.With("mode", "receiver"),
		display:    display,
		advertiser: advertiser,
		session: session.NewReceiver(session.ReceiverConfig{
			SelfID:      cfg.DeviceID,
			IdleTimeout: cfg.IdleTimeout,
			Handler:     display.Apply,
			Clock:       cfg.Clock,
			Logger:      cfg.Logger,
		}),
		stopPeer: make(chan struct{}),
	}, nil
}

// Start subscribes to the local channel, registers the peer link code and
// begins advertising.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("app: receiver already started")
	}

	local, err := transport.ListenLocal(ctx, r.cfg.Bus, r.cfg.DeviceID, r.cfg.Logger)
	if err != nil {
		return err
	}
	if err := r.session.Attach(local, transport.KindLocalChannel); err != nil {
		_ = local.Close()
		return err
	}
	r.local = local

	if r.cfg.Signaler != nil {
		peer, err := transport.ListenPeerLink(ctx, transport.PeerLinkConfig{Signaler: r.cfg.Signaler, Logger: r.cfg.Logger}, r.cfg.PeerCode)
		if err != nil {
			// The local channel still works without a rendezvous.
			r.logger.Warn("peer link unavailable", "code", r.cfg.PeerCode, "error", err)
		} else {
			r.peer = peer
			r.wg.Add(1)
			go r.acceptPeers(peer)
		}
	}

	r.advertiser.Start()
	r.started = true
	r.logger.Info("receiver ready", "id", r.cfg.DeviceID, "name", r.cfg.DeviceName, "code", r.Code())
	return nil
}

// Code returns the peer link room code, or "" without a signaler.
func (r *Receiver) Code() string {
	if r.cfg.Signaler == nil {
		return ""
	}
	return r.cfg.PeerCode
}

// Display returns the virtual pointer.
func (r *Receiver) Display() *input.Display { return r.display }

// Session returns the receiver state machine.
func (r *Receiver) Session() *session.Receiver { return r.session }

// Stop leaves receiver mode. Advertising stops without a retraction.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	peer := r.peer
	r.mu.Unlock()

	r.advertiser.Stop()
	close(r.stopPeer)
	if peer != nil {
		_ = peer.Close()
	}
	r.wg.Wait()
	r.session.Exit()
	r.display.Reset()
	r.logger.Info("receiver stopped")
}

func (r *Receiver) acceptPeers(peer *transport.PeerLinkListener) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopPeer:
			return
		case conn, ok := <-peer.Accept():
			if !ok {
				return
			}
			r.logger.Info("peer link accepted", "peer", conn.Peer())
			if err := r.session.Attach(conn, transport.KindPeerLink); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
