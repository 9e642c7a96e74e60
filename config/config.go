// Package config loads the gateway settings from YAML.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rakgateway/dispatch"
	"rakgateway/hotplug"
	"rakgateway/serialcomm"
	"rakgateway/session"
	"rakgateway/telemetry"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "/etc/rakgateway/config.yaml"

type Config struct {
	Device    serialcomm.DeviceIdentity `yaml:"device"`
	Serial    serialcomm.SerialConfig   `yaml:"serial"`
	Hotplug   HotplugConfig             `yaml:"hotplug"`
	Session   SessionConfig             `yaml:"session"`
	Dispatch  DispatchConfig            `yaml:"dispatch"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Journal   JournalConfig             `yaml:"journal"`
	Monitor   MonitorConfig             `yaml:"monitor"`
	Log       LogConfig                 `yaml:"log"`
}

type HotplugConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type SessionConfig struct {
	// RetryInterval is how often a faulted session is reopened while the
	// device is still present. Zero disables retries.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type DispatchConfig struct {
	// MaxInFlight bounds concurrent frame tasks; 0 is unbounded.
	MaxInFlight int `yaml:"max_in_flight"`
}

type TelemetryConfig struct {
	Endpoint string                `yaml:"endpoint"`
	Timeout  time.Duration         `yaml:"timeout"`
	Redis    telemetry.RedisConfig `yaml:"redis"`
}

type JournalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings for a RAK4630 on a stock install.
func Default() *Config {
	return &Config{
		Device: serialcomm.RAK4630,
		Serial: serialcomm.DefaultSerialConfig(),
		Hotplug: HotplugConfig{
			PollInterval: hotplug.DefaultPollInterval,
		},
		Session: SessionConfig{
			RetryInterval: session.DefaultRetryInterval,
		},
		Dispatch: DispatchConfig{
			MaxInFlight: dispatch.DefaultMaxInFlight,
		},
		Telemetry: TelemetryConfig{
			Endpoint: "http://localhost:8080/api/rak4630/sensor-data",
			Timeout:  telemetry.DefaultTimeout,
			Redis: telemetry.RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Channel:  "rakgateway:records",
				History:  1000,
			},
		},
		Journal: JournalConfig{
			Path:       "/var/lib/rakgateway/journal.db",
			MaxEntries: 100000,
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Addr:    ":9102",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and validates the result. A missing
// file is reported with ErrNotExist wrapped and the defaults returned, so
// callers can warn and carry on.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: %w", err)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Device.VendorID == 0 && c.Device.ProductID == 0 {
		add("device: vendor_id and product_id are required")
	}

	s := c.Serial
	if s.BaudRate <= 0 {
		add("serial.baud_rate must be positive, got %d", s.BaudRate)
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		add("serial.data_bits must be 5-8, got %d", s.DataBits)
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		add("serial.stop_bits must be 1 or 2, got %d", s.StopBits)
	}
	if !serialcomm.ValidParity(s.Parity) {
		add("serial.parity %q is not one of none, odd, even, mark, space", s.Parity)
	}
	if s.ReadTimeout <= 0 {
		add("serial.read_timeout must be positive")
	}
	if s.WriteTimeout < 0 {
		add("serial.write_timeout must not be negative")
	}
	if s.Warmup < 0 {
		add("serial.warmup must not be negative")
	}
	if s.MaxFrameSize <= 0 {
		add("serial.max_frame_size must be positive, got %d", s.MaxFrameSize)
	}

	if c.Hotplug.PollInterval <= 0 {
		add("hotplug.poll_interval must be positive")
	}
	if c.Session.RetryInterval < 0 {
		add("session.retry_interval must not be negative")
	}
	if c.Dispatch.MaxInFlight < 0 {
		add("dispatch.max_in_flight must not be negative, got %d", c.Dispatch.MaxInFlight)
	}

	if c.Telemetry.Endpoint == "" {
		add("telemetry.endpoint is required")
	} else if u, err := url.Parse(c.Telemetry.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("telemetry.endpoint %q is not an http(s) URL", c.Telemetry.Endpoint)
	}
	if c.Telemetry.Timeout <= 0 {
		add("telemetry.timeout must be positive")
	}
	if r := c.Telemetry.Redis; r.Enabled {
		if r.Addr == "" {
			add("telemetry.redis.addr is required when redis is enabled")
		}
		if r.Channel == "" {
			add("telemetry.redis.channel is required when redis is enabled")
		}
		if r.History <= 0 {
			add("telemetry.redis.history must be positive")
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		add("journal.path is required when the journal is enabled")
	}
	if c.Journal.MaxEntries < 0 {
		add("journal.max_entries must not be negative")
	}
	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		add("monitor.addr is required when monitoring is enabled")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format %q is not json or console", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
