package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"touchmouse/clock"
	"touchmouse/models"
	"touchmouse/protocol"
	"touchmouse/transport"
)

// DefaultSweepInterval is how often expired receivers are pruned while
// discovery runs.
const DefaultSweepInterval = time.Second

// HistorySource supplies previously connected devices.
type HistorySource interface {
	ListHistory() ([]models.DeviceInfo, error)
}

// ScannerConfig controls controller-side discovery.
type ScannerConfig struct {
	Bus            transport.Bus
	History        HistorySource
	Clock          clock.Clock
	SweepInterval  time.Duration
	LivenessWindow time.Duration
	Logger         *slog.Logger
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	out := c
	out.Clock = clock.OrReal(out.Clock)
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.LivenessWindow <= 0 {
		out.LivenessWindow = DefaultLivenessWindow
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Scanner feeds a Registry from ADVERTISE frames on the local channel and
// sweeps it while running. All of its timers stop with Stop.
type Scanner struct {
	cfg      ScannerConfig
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	sub     transport.Subscription
	sweeper *clock.Repeater
	wg      sync.WaitGroup
}

// NewScanner creates a stopped scanner with an empty registry.
func NewScanner(config ScannerConfig) (*Scanner, error) {
	cfg := config.withDefaults()
	if cfg.Bus == nil {
		return nil, errors.New("discovery: bus is required")
	}
	return &Scanner{
		cfg:      cfg,
		registry: NewRegistry(cfg.LivenessWindow),
		logger:   cfg.Logger.With("component", "scanner"),
	}, nil
}

// Registry returns the registry the scanner maintains.
func (s *Scanner) Registry() *Registry {
	return s.registry
}

// Start merges history, subscribes to advertisements and starts the sweep
// timer. A history read failure is logged and discovery continues.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("discovery: scanner already started")
	}

	if s.cfg.History != nil {
		history, err := s.cfg.History.ListHistory()
		if err != nil {
			s.logger.Warn("history unavailable", "error", err)
		} else {
			s.registry.Merge(history)
		}
	}

	sub, err := s.cfg.Bus.Subscribe(ctx, transport.AdvertiseTopic)
	if err != nil {
		return err
	}
	s.sub = sub
	s.started = true

	s.wg.Add(1)
	go s.readLoop(sub)

	s.sweeper = clock.Every(s.cfg.Clock, s.cfg.SweepInterval, false, func() {
		for _, device := range s.registry.Sweep(s.cfg.Clock.Now()) {
			s.logger.Debug("receiver expired", "id", device.ID)
		}
	})
	return nil
}

// Stop cancels the sweep timer and the subscription.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	sweeper, sub := s.sweeper, s.sub
	s.mu.Unlock()

	sweeper.Stop()
	_ = sub.Close()
	s.wg.Wait()
}

func (s *Scanner) readLoop(sub transport.Subscription) {
	defer s.wg.Done()
	for raw := range sub.Messages() {
		frame, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		ad, ok := frame.Message.(protocol.AdvertiseMessage)
		if !ok {
			continue
		}
		s.registry.OnAdvertise(ad.Device, s.cfg.Clock.Now())
	}
}
