package discovery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"touchmouse/clock"
	"touchmouse/models"
	"touchmouse/transport"
)

// DefaultAdvertiseInterval is the receiver's announcement period.
const DefaultAdvertiseInterval = 1500 * time.Millisecond

// AdvertiserConfig controls receiver-side announcements.
type AdvertiserConfig struct {
	Bus      transport.Bus
	DeviceID string
	Name     string
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Advertiser publishes ADVERTISE frames while the receiver is active. It
// sends nothing on Stop; controllers age the entry out.
type Advertiser struct {
	cfg AdvertiserConfig

	mu       sync.Mutex
	repeater *clock.Repeater
}

// NewAdvertiser validates config.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	cfg := config
	if cfg.Bus == nil {
		return nil, errors.New("discovery: bus is required")
	}
	if err := transport.ValidateEndpointID(cfg.DeviceID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = cfg.DeviceID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAdvertiseInterval
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Advertiser{cfg: cfg}, nil
}

// Start sends the first advertisement immediately, then one per interval.
func (a *Advertiser) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.repeater != nil {
		return
	}
	a.repeater = clock.Every(a.cfg.Clock, a.cfg.Interval, true, a.advertise)
}

// Stop halts announcements. No frame is sent after Stop returns.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	repeater := a.repeater
	a.repeater = nil
	a.mu.Unlock()
	repeater.Stop()
}

func (a *Advertiser) advertise() {
	device := models.DeviceInfo{
		ID:       a.cfg.DeviceID,
		Name:     a.cfg.Name,
		LastSeen: a.cfg.Clock.Now().UnixMilli(),
	}
	if err := transport.PublishAdvertise(context.Background(), a.cfg.Bus, device); err != nil {
		a.cfg.Logger.Warn("advertise failed", "error", err)
	}
}
