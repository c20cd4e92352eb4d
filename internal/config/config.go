package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veldt-labs/batmon/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	UUIDs    UUIDConfig    `yaml:"uuids"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the target BMS.
type DeviceConfig struct {
	// Name is the advertised device name to scan for when no address is
	// configured.
	Name string `yaml:"name"`
	// Address is the peripheral address (MAC on Linux, CoreBluetooth UUID
	// on macOS). When set, scanning is skipped.
	Address string `yaml:"address"`
}

// UUIDConfig holds the GATT identifiers of the UART service. The defaults
// match the Nordic UART service every supported BMS exposes; override only
// for firmware that remaps the service.
type UUIDConfig struct {
	Service string `yaml:"service"`
	Write   string `yaml:"write"`
	Notify  string `yaml:"notify"`
}

// TimeoutConfig holds timing settings.
type TimeoutConfig struct {
	// Request bounds one request/response transaction.
	Request time.Duration `yaml:"request"`
	// Scan bounds device discovery.
	Scan time.Duration `yaml:"scan"`
	// PollInterval is the delay between polls in watch mode.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "batmon")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: "BT_HC6172",
		},
		UUIDs: UUIDConfig{
			Service: ble.UARTServiceUUID,
			Write:   ble.UARTWriteUUID,
			Notify:  ble.UARTNotifyUUID,
		},
		Timeouts: TimeoutConfig{
			Request:      5 * time.Second,
			Scan:         30 * time.Second,
			PollInterval: 5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Name == "" && c.Device.Address == "" {
		return fmt.Errorf("one of device.name or device.address must be set")
	}

	if c.UUIDs.Service == "" || c.UUIDs.Write == "" || c.UUIDs.Notify == "" {
		return fmt.Errorf("uuids.service, uuids.write and uuids.notify must not be empty")
	}

	if c.Timeouts.Request <= 0 {
		return fmt.Errorf("timeouts.request must be > 0")
	}
	if c.Timeouts.Scan <= 0 {
		return fmt.Errorf("timeouts.scan must be > 0")
	}
	if c.Timeouts.PollInterval <= 0 {
		return fmt.Errorf("timeouts.poll_interval must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}
