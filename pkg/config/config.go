// Package config loads the devkeep configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devkeep/devkeep-go/pkg/heartbeat"
	"github.com/devkeep/devkeep-go/pkg/lockdown"
	"github.com/devkeep/devkeep-go/pkg/log"
	"github.com/devkeep/devkeep-go/pkg/supervisor"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
)

// ErrInvalid indicates a configuration value is out of range.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string ("30s") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the devkeep configuration.
type Config struct {
	// Socket is the multiplexer address; empty uses the environment or
	// the platform default.
	Socket string `yaml:"socket"`

	// CloseWhenIdle closes the multiplexer connection when no channel is open.
	CloseWhenIdle bool `yaml:"close_when_idle"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// ProtocolLog is the path of the protocol capture file; empty disables it.
	ProtocolLog string `yaml:"protocol_log"`

	// ProtocolLogMaxSize rotates the capture file past this many bytes;
	// zero keeps a single growing file.
	ProtocolLogMaxSize int64 `yaml:"protocol_log_max_size"`

	// ProtocolLogBackups is how many rotated capture files are kept.
	ProtocolLogBackups int `yaml:"protocol_log_backups"`

	// MetricsAddr is the listen address of the metrics endpoint; empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// Devices are started at launch.
	Devices []DeviceConfig `yaml:"devices"`
}

// HeartbeatConfig configures the keepalive.
type HeartbeatConfig struct {
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	ConnectRetries   int      `yaml:"connect_retries"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// DeviceConfig names a device and its pairing record.
type DeviceConfig struct {
	UDID        string `yaml:"udid"`
	PairingFile string `yaml:"pairing_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Heartbeat: HeartbeatConfig{
			Interval:         Duration(heartbeat.DefaultInterval),
			Timeout:          Duration(heartbeat.DefaultTimeout),
			ConnectRetries:   2,
			HandshakeTimeout: Duration(lockdown.DefaultTimeout),
		},
		LogLevel:           "info",
		ProtocolLogBackups: log.DefaultBackups,
	}
}

// Load reads and validates the file at path. Missing values keep their
// defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads and validates a configuration document.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document keeps the defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	hb := c.Heartbeat
	switch {
	case hb.Interval <= 0:
		return fmt.Errorf("%w: heartbeat.interval must be positive", ErrInvalid)
	case hb.Timeout <= 0:
		return fmt.Errorf("%w: heartbeat.timeout must be positive", ErrInvalid)
	case hb.Timeout > hb.Interval:
		return fmt.Errorf("%w: heartbeat.timeout %s exceeds interval %s",
			ErrInvalid, hb.Timeout.Std(), hb.Interval.Std())
	case hb.ConnectRetries < 0:
		return fmt.Errorf("%w: heartbeat.connect_retries must not be negative", ErrInvalid)
	case hb.HandshakeTimeout < 0:
		return fmt.Errorf("%w: heartbeat.handshake_timeout must not be negative", ErrInvalid)
	}

	switch {
	case c.ProtocolLogMaxSize < 0:
		return fmt.Errorf("%w: protocol_log_max_size must not be negative", ErrInvalid)
	case c.ProtocolLogBackups < 0:
		return fmt.Errorf("%w: protocol_log_backups must not be negative", ErrInvalid)
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.UDID == "" {
			return fmt.Errorf("%w: devices[%d]: udid is required", ErrInvalid, i)
		}
		if d.PairingFile == "" {
			return fmt.Errorf("%w: devices[%d]: pairing_file is required", ErrInvalid, i)
		}
		if seen[d.UDID] {
			return fmt.Errorf("%w: devices[%d]: duplicate udid %s", ErrInvalid, i, d.UDID)
		}
		seen[d.UDID] = true
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
	}
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// USBMux returns the multiplexer client configuration.
func (c *Config) USBMux() usbmux.Config {
	return usbmux.Config{CloseWhenIdle: c.CloseWhenIdle}
}

// Supervisor returns the session supervisor configuration.
func (c *Config) Supervisor() supervisor.Config {
	return supervisor.Config{
		Heartbeat: heartbeat.Config{
			Interval:       c.Heartbeat.Interval.Std(),
			Timeout:        c.Heartbeat.Timeout.Std(),
			ConnectRetries: c.Heartbeat.ConnectRetries,
		},
		Lockdown: lockdown.Config{
			Timeout: c.Heartbeat.HandshakeTimeout.Std(),
		},
	}
}
