package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"touchmouse/transport"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "touchmouse"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "TOUCHMOUSE_DATA_DIR"
	// DefaultSensitivity is the MOVE intensity profile used at startup.
	DefaultSensitivity = "precision"
	// DefaultConnectDelayMS is the local channel optimistic promotion delay.
	DefaultConnectDelayMS = 1000
	// DeviceIDPrefix starts every generated endpoint id.
	DeviceIDPrefix = "DEV-"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	BridgePort int    `json:"bridge_port"`
	// Sensitivity is "precision" or "navigation".
	Sensitivity string `json:"sensitivity"`
	// SignalingURL is the rendezvous relay for peer links. Empty disables
	// peer links.
	SignalingURL string `json:"signaling_url"`
	// RedisURL selects a Redis-backed local channel. Empty keeps the bus
	// in-process.
	RedisURL              string `json:"redis_url"`
	ChannelNamespace      string `json:"channel_namespace"`
	ConnectDelayMS        int    `json:"connect_delay_ms"`
	ReceiverIdleTimeoutMS int    `json:"receiver_idle_timeout_ms"`
}

// ConnectDelay returns ConnectDelayMS as a duration.
func (c *DeviceConfig) ConnectDelay() time.Duration {
	return time.Duration(c.ConnectDelayMS) * time.Millisecond
}

// ReceiverIdleTimeout returns ReceiverIdleTimeoutMS as a duration. Zero
// disables the idle timeout.
func (c *DeviceConfig) ReceiverIdleTimeout() time.Duration {
	return time.Duration(c.ReceiverIdleTimeoutMS) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TOUCHMOUSE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// the config, its path and the data directory.
func LoadOrCreate() (*DeviceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

// NewDeviceID returns a fresh endpoint id such as DEV-9F3A21C0.
func NewDeviceID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return DeviceIDPrefix + strings.ToUpper(id[:8])
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "TouchMouse Device"
}

func defaultConfig() *DeviceConfig {
	return &DeviceConfig{
		DeviceID:         NewDeviceID(),
		DeviceName:       defaultDeviceName(),
		BridgePort:       transport.DefaultBridgePort,
		Sensitivity:      DefaultSensitivity,
		ChannelNamespace: transport.DefaultChannelNamespace,
		ConnectDelayMS:   DefaultConnectDelayMS,
	}
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if strings.TrimSpace(cfg.DeviceID) == "" || strings.ContainsAny(cfg.DeviceID, " \t\r\n") {
		cfg.DeviceID = NewDeviceID()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.BridgePort <= 0 || cfg.BridgePort > 65535 {
		cfg.BridgePort = transport.DefaultBridgePort
		updated = true
	}

	if sensitivity := normalizeSensitivity(cfg.Sensitivity); sensitivity != cfg.Sensitivity {
		cfg.Sensitivity = sensitivity
		updated = true
	}

	if cfg.ChannelNamespace == "" {
		cfg.ChannelNamespace = transport.DefaultChannelNamespace
		updated = true
	}

	if cfg.ConnectDelayMS <= 0 {
		cfg.ConnectDelayMS = DefaultConnectDelayMS
		updated = true
	}

	if cfg.ReceiverIdleTimeoutMS < 0 {
		cfg.ReceiverIdleTimeoutMS = 0
		updated = true
	}

	return updated
}

func normalizeSensitivity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "navigation":
		return "navigation"
	default:
		return DefaultSensitivity
	}
}
