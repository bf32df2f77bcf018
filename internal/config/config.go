package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/motusctl/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	BLE      BLEConfig     `yaml:"ble"`
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	Server   ServerConfig  `yaml:"server"`
	Jog      JogConfig     `yaml:"jog"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig names the motor to connect to on startup.
type DeviceConfig struct {
	Address string `yaml:"address"` // MAC, or CoreBluetooth UUID on macOS; empty means none
	Name    string `yaml:"name"`
}

// BLEConfig holds GATT and radio settings.
type BLEConfig struct {
	Adapter        string        `yaml:"adapter"` // BlueZ adapter, e.g. "hci0"
	MotorService   string        `yaml:"motor_service"`
	MotorChar      string        `yaml:"motor_characteristic"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BondTimeout    time.Duration `yaml:"bond_timeout"`
	ReadOnDiscover bool          `yaml:"read_on_discover"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Period       time.Duration `yaml:"period"`        // one scan session
	Timeout      time.Duration `yaml:"timeout"`       // scan-and-connect gives up after this
	PollInterval time.Duration `yaml:"poll_interval"` // how often scan results are checked
}

// ConnectConfig holds connect pacing.
type ConnectConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// ServerConfig holds the WebSocket bridge settings.
type ServerConfig struct {
	Listen string `yaml:"listen"` // empty disables the bridge
}

// JogConfig holds the global jog hotkey settings.
type JogConfig struct {
	Enabled   bool    `yaml:"enabled"`
	AngleStep float64 `yaml:"angle_step"`
	RPMStep   float64 `yaml:"rpm_step"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "motusctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			Adapter:        "hci0",
			MotorService:   ble.MotorServiceUUID.String(),
			MotorChar:      ble.MotorCharUUID.String(),
			ConnectTimeout: 10 * time.Second,
			BondTimeout:    30 * time.Second,
			ReadOnDiscover: true,
		},
		Scan: ScanConfig{
			Period:       10 * time.Second,
			Timeout:      10 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Connect: ConnectConfig{
			Debounce:    2 * time.Second,
			SettleDelay: 500 * time.Millisecond,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8765",
		},
		Jog: JogConfig{
			Enabled:   false,
			AngleStep: 15,
			RPMStep:   5,
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
	if c.Device.Address != "" && !ble.ValidAddress(c.Device.Address) {
		return fmt.Errorf("device.address must be a MAC address or peripheral UUID, got %q", c.Device.Address)
	}

	if _, err := uuid.Parse(c.BLE.MotorService); err != nil {
		return fmt.Errorf("ble.motor_service: %w", err)
	}
	if _, err := uuid.Parse(c.BLE.MotorChar); err != nil {
		return fmt.Errorf("ble.motor_characteristic: %w", err)
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.BondTimeout <= 0 {
		return fmt.Errorf("ble.bond_timeout must be > 0")
	}

	if c.Scan.Period <= 0 {
		return fmt.Errorf("scan.period must be > 0")
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be > 0")
	}
	if c.Scan.PollInterval <= 0 || c.Scan.PollInterval > c.Scan.Timeout {
		return fmt.Errorf("scan.poll_interval must be > 0 and <= scan.timeout, got %s", c.Scan.PollInterval)
	}

	if c.Connect.Debounce <= 0 {
		return fmt.Errorf("connect.debounce must be > 0")
	}
	if c.Connect.SettleDelay < 0 {
		return fmt.Errorf("connect.settle_delay must be >= 0")
	}

	if c.Jog.Enabled && (c.Jog.AngleStep <= 0 || c.Jog.RPMStep <= 0) {
		return fmt.Errorf("jog.angle_step and jog.rpm_step must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// MotorServiceUUID returns the parsed motor service UUID. Call after Validate.
func (c *Config) MotorServiceUUID() uuid.UUID {
	return uuid.MustParse(c.BLE.MotorService)
}

// MotorCharUUID returns the parsed motor characteristic UUID. Call after
// Validate.
func (c *Config) MotorCharUUID() uuid.UUID {
	return uuid.MustParse(c.BLE.MotorChar)
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# motusctl configuration
# Durations use Go syntax: 500ms, 10s, 1m.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
