package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"touchmouse/models"
)

const (
	// DefaultService is the mDNS service a socket bridge registers.
	DefaultService = "_touchmouse._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background bridge browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls bridge announcement and browsing.
type MDNSConfig struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID string
	DeviceName   string
	Port         int

	Logger *slog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (c MDNSConfig) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

// Broadcaster announces a socket bridge on the LAN.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the bridge service.
func StartBroadcaster(config MDNSConfig) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"version=" + strconv.Itoa(cfg.Version),
	}
	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Broadcaster{server: server}, nil
}

// Stop withdraws the announcement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// BridgeBrowser periodically browses for socket bridges and mirrors them into
// a Registry as address-shaped entries. A bridge that drops out of a browse
// window is removed from the registry.
type BridgeBrowser struct {
	cfg      MDNSConfig
	registry *Registry
	browse   browseFunc
	logger   *slog.Logger

	mu      sync.Mutex
	bridges map[string]models.DeviceInfo

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewBridgeBrowser creates a stopped browser feeding registry.
func NewBridgeBrowser(config MDNSConfig, registry *Registry) (*BridgeBrowser, error) {
	if registry == nil {
		return nil, errors.New("discovery: registry is required")
	}
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &BridgeBrowser{
		cfg:      cfg,
		registry: registry,
		browse:   browse,
		logger:   cfg.Logger.With("component", "bridge_browser"),
		bridges:  make(map[string]models.DeviceInfo),
	}, nil
}

// Start begins background browsing.
func (b *BridgeBrowser) Start() {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.wg.Add(1)
		go b.loop()
	})
}

// Stop ends browsing. Entries already in the registry stay there.
func (b *BridgeBrowser) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

func (b *BridgeBrowser) loop() {
	defer b.wg.Done()

	if err := b.runScan(); err != nil {
		b.logger.Warn("bridge browse failed", "error", err)
	}

	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.runScan(); err != nil {
				b.logger.Warn("bridge browse failed", "error", err)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *BridgeBrowser) runScan() error {
	scanCtx, cancel := context.WithTimeout(b.ctx, b.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.DeviceInfo)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				for _, device := range parseBridgeEntry(entry, b.cfg.SelfDeviceID) {
					collected[device.ID] = device
				}
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return err
	}
	<-scanCtx.Done()
	<-collectorDone

	if b.ctx.Err() != nil {
		return nil
	}
	b.applySnapshot(collected)
	return nil
}

func (b *BridgeBrowser) applySnapshot(next map[string]models.DeviceInfo) {
	now := time.Now()

	b.mu.Lock()
	previous := b.bridges
	b.bridges = next
	b.mu.Unlock()

	for _, device := range next {
		b.registry.OnAdvertise(device, now)
	}
	for id := range previous {
		if _, still := next[id]; !still {
			b.registry.RemoveUnlessPersisted(id)
		}
	}
}

// parseBridgeEntry yields one address-shaped device per resolved IP.
func parseBridgeEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) []models.DeviceInfo {
	txt := txtToMap(entry.Text)
	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID || entry.Port <= 0 {
		return nil
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}

	seen := make(map[string]struct{})
	var addresses []string
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	out := make([]models.DeviceInfo, 0, len(addresses))
	for _, address := range addresses {
		id := net.JoinHostPort(address, strconv.Itoa(entry.Port))
		deviceName := name
		if deviceName == "" {
			deviceName = id
		}
		out = append(out, models.DeviceInfo{ID: id, Name: deviceName})
	}
	return out
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
