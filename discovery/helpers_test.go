package discovery

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Device.ID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
