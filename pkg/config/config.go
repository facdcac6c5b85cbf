package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/zswlink/internal/battery"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel         string `yaml:"log_level" default:"info"`
	DeviceName       string `yaml:"device_name" default:"ZSWatch"`
	MTU              int    `yaml:"mtu" default:"20"` // payload bytes per inbound chunk on the PTY transport
	ReassemblyBuffer int    `yaml:"reassembly_buffer" default:"300"`

	Notifications NotificationsConfig `yaml:"notifications"`
	Charger       ChargerConfig       `yaml:"charger"`
	Battery       BatteryConfig       `yaml:"battery"`
	HTTP          HTTPConfig          `yaml:"http"`
	Bus           BusConfig           `yaml:"bus"`
	Link          LinkConfig          `yaml:"link"`
	Status        StatusConfig        `yaml:"status"`
}

type NotificationsConfig struct {
	MaxStored int `yaml:"max_stored" default:"5"`
	FieldLen  int `yaml:"field_len" default:"50"`
}

type ChargerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" default:"2500ms"`
	// SysfsPath is the power_supply directory of the charger (e.g. /sys/class/power_supply/AC).
	SysfsPath string `yaml:"sysfs_path"`
}

type BatteryConfig struct {
	Schedule string `yaml:"schedule" default:"@every 5m"`
	// SysfsPath is the power_supply directory of the battery (e.g. /sys/class/power_supply/BAT0).
	SysfsPath string `yaml:"sysfs_path"`
}

type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout" default:"10s"`
}

type BusConfig struct {
	PublishTimeout time.Duration `yaml:"publish_timeout" default:"250ms"`
}

type LinkConfig struct {
	RxQueue int `yaml:"rx_queue" default:"64"`
}

type StatusConfig struct {
	ConnectDelay time.Duration `yaml:"connect_delay" default:"5s"`
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.DeviceName == "" {
		errs = append(errs, errors.New("device_name must not be empty"))
	}
	if c.MTU <= 0 {
		errs = append(errs, fmt.Errorf("mtu must be > 0, got %d", c.MTU))
	}
	if c.ReassemblyBuffer < 16 {
		errs = append(errs, fmt.Errorf("reassembly_buffer must be >= 16, got %d", c.ReassemblyBuffer))
	}
	if c.Notifications.MaxStored <= 0 {
		errs = append(errs, fmt.Errorf("notifications.max_stored must be > 0, got %d", c.Notifications.MaxStored))
	}
	if c.Notifications.FieldLen < 2 {
		errs = append(errs, fmt.Errorf("notifications.field_len must be >= 2, got %d", c.Notifications.FieldLen))
	}
	if c.Charger.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("charger.poll_interval must be > 0, got %s", c.Charger.PollInterval))
	}
	if err := battery.ValidateSchedule(c.Battery.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("battery.schedule: %w", err))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout must be > 0, got %s", c.HTTP.Timeout))
	}
	if c.Bus.PublishTimeout <= 0 {
		errs = append(errs, fmt.Errorf("bus.publish_timeout must be > 0, got %s", c.Bus.PublishTimeout))
	}
	if c.Link.RxQueue <= 0 {
		errs = append(errs, fmt.Errorf("link.rx_queue must be > 0, got %d", c.Link.RxQueue))
	}
	if c.Status.ConnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("status.connect_delay must be > 0, got %s", c.Status.ConnectDelay))
	}

	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
