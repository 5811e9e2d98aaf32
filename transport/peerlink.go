package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"touchmouse/protocol"
)

const (
	// RendezvousPrefix namespaces receiver rendezvous ids.
	RendezvousPrefix = "tm-app-"
	// ControllerPrefix namespaces the throwaway ids controllers dial from.
	ControllerPrefix = "tm-ctl-"
	// DefaultPeerLinkTimeout bounds signaling plus data channel open.
	DefaultPeerLinkTimeout = 20 * time.Second

	dataChannelLabel = "touchmouse"
	iceGatherTimeout = 10 * time.Second
)

// RendezvousID maps a room code to the id a receiver listens under.
func RendezvousID(code string) string {
	return RendezvousPrefix + code
}

// ValidateCode requires exactly four ASCII digits.
func ValidateCode(code string) error {
	if len(code) != 4 {
		return fmt.Errorf("%w: code %q must be 4 digits", ErrInvalidTarget, code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: code %q must be 4 digits", ErrInvalidTarget, code)
		}
	}
	return nil
}

// GenerateCode returns a random code in 1000..9999.
func GenerateCode() string {
	return strconv.Itoa(1000 + rand.IntN(9000))
}

// PeerLinkConfig configures both sides of a peer link.
type PeerLinkConfig struct {
	Signaler   Signaler
	ICEServers []webrtc.ICEServer
	// Timeout bounds one connect attempt. Defaults to DefaultPeerLinkTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c PeerLinkConfig) withDefaults() PeerLinkConfig {
	out := c
	if out.Timeout <= 0 {
		out.Timeout = DefaultPeerLinkTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (c PeerLinkConfig) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: c.ICEServers})
}

// PeerLinkDialer is the controller side of a peer link.
type PeerLinkDialer struct {
	cfg PeerLinkConfig
}

// NewPeerLinkDialer validates cfg.
func NewPeerLinkDialer(cfg PeerLinkConfig) (*PeerLinkDialer, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("transport: peer link requires a signaler")
	}
	return &PeerLinkDialer{cfg: cfg.withDefaults()}, nil
}

// Dial offers a data channel to the receiver listening under code. Unknown
// codes and every signaling or ICE failure are reported as ErrConnectFailure.
func (d *PeerLinkDialer) Dial(ctx context.Context, code string) (Conn, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	remoteID := RendezvousID(code)
	logger := d.cfg.Logger.With("transport", KindPeerLink, "peer", remoteID)

	channel, err := d.cfg.Signaler.Register(ctx, ControllerPrefix+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("%w: register signaling: %v", ErrConnectFailure, err)
	}
	defer channel.Close()

	pc, err := d.cfg.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("%w: create peer connection: %v", ErrConnectFailure, err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: create data channel: %v", ErrConnectFailure, err)
	}
	conn := newPeerConn(pc, dc, code, logger)

	fail := func(format string, args ...any) (Conn, error) {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectFailure, ctxErr)
		}
		return nil, fmt.Errorf("%w: "+format, append([]any{ErrConnectFailure}, args...)...)
	}

	offerSDP, err := localDescription(ctx, pc, true)
	if err != nil {
		return fail("%v", err)
	}
	if err := channel.Send(ctx, Signal{Type: SignalOffer, To: remoteID, SDP: offerSDP}); err != nil {
		return fail("send offer: %v", err)
	}
	logger.Debug("peer link offer sent")

	answerSDP, err := awaitAnswer(ctx, channel, remoteID)
	if err != nil {
		return fail("%v", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fail("set remote description: %v", err)
	}

	select {
	case <-conn.opened:
		logger.Info("peer link open")
		return conn, nil
	case <-conn.Done():
		return fail("link ended before open")
	case <-ctx.Done():
		return fail("data channel did not open")
	}
}

func awaitAnswer(ctx context.Context, channel SignalChannel, remoteID string) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for answer: %w", ctx.Err())
		case signal, ok := <-channel.Signals():
			if !ok {
				return "", errors.New("signaling channel closed")
			}
			switch signal.Type {
			case SignalAnswer:
				if signal.From == remoteID {
					return signal.SDP, nil
				}
			case SignalError:
				if signal.Error == SignalErrorPeerUnavailable {
					return "", fmt.Errorf("%w: %s", ErrPeerUnavailable, remoteID)
				}
				return "", fmt.Errorf("signaling error: %s", signal.Error)
			}
		}
	}
}

// localDescription creates an offer or answer and waits for ICE gathering so
// the returned SDP carries every candidate.
func localDescription(ctx context.Context, pc *webrtc.PeerConnection, offer bool) (string, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if offer {
		desc, err = pc.CreateOffer(nil)
	} else {
		desc, err = pc.CreateAnswer(nil)
	}
	if err != nil {
		return "", fmt.Errorf("create description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

// PeerLinkListener is the receiver side of a peer link. Each controller that
// completes the exchange yields one Conn on Accept.
type PeerLinkListener struct {
	cfg     PeerLinkConfig
	code    string
	channel SignalChannel
	accept  chan Conn
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conns     map[*peerConn]struct{}
	closeOnce sync.Once
}

// ListenPeerLink registers RendezvousID(code). A taken id is reported as
// ErrIDUnavailable.
func ListenPeerLink(ctx context.Context, cfg PeerLinkConfig, code string) (*PeerLinkListener, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("transport: peer link requires a signaler")
	}
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	channel, err := cfg.Signaler.Register(ctx, RendezvousID(code))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", RendezvousID(code), err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	l := &PeerLinkListener{
		cfg:     cfg,
		code:    code,
		channel: channel,
		accept:  make(chan Conn, 4),
		logger:  cfg.Logger.With("transport", KindPeerLink, "rendezvous", RendezvousID(code)),
		ctx:     listenCtx,
		cancel:  cancel,
		conns:   make(map[*peerConn]struct{}),
	}
	l.wg.Add(1)
	go l.serve()
	return l, nil
}

// Code returns the room code the listener is registered under.
func (l *PeerLinkListener) Code() string { return l.code }

// Accept delivers each opened link.
func (l *PeerLinkListener) Accept() <-chan Conn { return l.accept }

// Close unregisters the rendezvous id and closes every link it produced.
func (l *PeerLinkListener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		_ = l.channel.Close()
		l.wg.Wait()

		l.mu.Lock()
		conns := make([]*peerConn, 0, len(l.conns))
		for conn := range l.conns {
			conns = append(conns, conn)
		}
		l.conns = nil
		l.mu.Unlock()

		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return nil
}

func (l *PeerLinkListener) serve() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case signal, ok := <-l.channel.Signals():
			if !ok {
				return
			}
			if signal.Type != SignalOffer {
				continue
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				if err := l.answer(signal); err != nil {
					l.logger.Warn("peer link offer failed", "from", signal.From, "error", err)
				}
			}()
		}
	}
}

func (l *PeerLinkListener) answer(offer Signal) error {
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.Timeout)
	defer cancel()

	pc, err := l.cfg.newPeerConnection()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn := newPeerConn(pc, dc, offer.From, l.logger.With("peer", offer.From))
		if !l.track(conn) {
			_ = conn.Close()
			return
		}
		go func() {
			select {
			case <-conn.opened:
			case <-conn.Done():
				return
			case <-l.ctx.Done():
				return
			}
			select {
			case l.accept <- conn:
				l.logger.Info("peer link accepted", "from", offer.From)
			case <-l.ctx.Done():
			}
		}()
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}
	answerSDP, err := localDescription(ctx, pc, false)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := l.channel.Send(ctx, Signal{Type: SignalAnswer, To: offer.From, SDP: answerSDP}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

func (l *PeerLinkListener) track(conn *peerConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns == nil {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

// peerConn is a Conn over one ordered data channel. Each data channel
// message carries exactly one JSON frame.
type peerConn struct {
	*link
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	peer    string
	opened  chan struct{}
	local   sync.Once
	openMu  sync.Once
	closing chan struct{}
}

func newPeerConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, peer string, logger *slog.Logger) *peerConn {
	conn := &peerConn{
		link:    newLink(logger),
		pc:      pc,
		dc:      dc,
		peer:    peer,
		opened:  make(chan struct{}),
		closing: make(chan struct{}),
	}

	dc.OnOpen(func() {
		conn.openMu.Do(func() { close(conn.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		conn.decodeAndDeliver(msg.Data, true)
	})
	dc.OnClose(func() {
		conn.remoteClosed("data channel closed")
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			conn.remoteClosed("peer connection " + state.String())
		}
	})
	return conn
}

func (c *peerConn) Kind() Kind { return KindPeerLink }

func (c *peerConn) Peer() string { return c.peer }

func (c *peerConn) Send(msg protocol.Message) error {
	if c.isDone() {
		return ErrClosed
	}
	raw, err := protocol.Encode(msg, "")
	if err != nil {
		return err
	}
	if err := c.dc.SendText(string(raw)); err != nil {
		return fmt.Errorf("write data channel frame: %w", err)
	}
	return nil
}

func (c *peerConn) Close() error {
	var err error
	c.local.Do(func() {
		close(c.closing)
		c.finish(nil)
		_ = c.dc.Close()
		err = c.pc.Close()
	})
	return err
}

func (c *peerConn) remoteClosed(reason string) {
	select {
	case <-c.closing:
		return
	default:
	}
	if c.finish(fmt.Errorf("%w: %s", ErrPeerClosed, reason)) {
		c.logger.Info("peer link closed by remote", "reason", reason)
		go func() { _ = c.pc.Close() }()
	}
}
