package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"touchmouse/transport"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if !strings.HasPrefix(firstCfg.DeviceID, DeviceIDPrefix) || len(firstCfg.DeviceID) != len(DeviceIDPrefix)+8 {
		t.Fatalf("unexpected device ID %q", firstCfg.DeviceID)
	}
	if firstCfg.BridgePort != transport.DefaultBridgePort {
		t.Fatalf("expected default bridge port, got %d", firstCfg.BridgePort)
	}
	if firstCfg.Sensitivity != DefaultSensitivity {
		t.Fatalf("expected default sensitivity, got %q", firstCfg.Sensitivity)
	}
	if firstCfg.ConnectDelay() != time.Second {
		t.Fatalf("expected 1s connect delay, got %s", firstCfg.ConnectDelay())
	}
	if firstCfg.ReceiverIdleTimeout() != 0 {
		t.Fatalf("expected idle timeout disabled, got %s", firstCfg.ReceiverIdleTimeout())
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
}

func TestLoadOrCreateNormalizesLegacyConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"device_id":"DEV-4821","device_name":"Laptop-552","sensitivity":"TURBO","receiver_idle_timeout_ms":-5}`), 0o600); err != nil {
		t.Fatalf("write legacy config failed: %v", err)
	}

	cfg, _, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "DEV-4821" || cfg.DeviceName != "Laptop-552" {
		t.Fatalf("expected identity retained, got %q %q", cfg.DeviceID, cfg.DeviceName)
	}
	if cfg.Sensitivity != DefaultSensitivity {
		t.Fatalf("expected unknown sensitivity to normalize, got %q", cfg.Sensitivity)
	}
	if cfg.BridgePort != transport.DefaultBridgePort || cfg.ConnectDelayMS != DefaultConnectDelayMS {
		t.Fatalf("expected defaults filled, got %+v", cfg)
	}
	if cfg.ChannelNamespace != transport.DefaultChannelNamespace || cfg.ReceiverIdleTimeoutMS != 0 {
		t.Fatalf("expected defaults filled, got %+v", cfg)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.ConnectDelayMS != DefaultConnectDelayMS {
		t.Fatalf("expected normalized config persisted, got %+v", reloaded)
	}
}

func TestNormalizeReplacesWhitespaceDeviceID(t *testing.T) {
	cfg := &DeviceConfig{DeviceID: "DEV 1", Sensitivity: "Navigation"}
	if !normalizeDefaults(cfg) {
		t.Fatalf("expected normalization")
	}
	if strings.ContainsAny(cfg.DeviceID, " \t") || cfg.Sensitivity != "navigation" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
