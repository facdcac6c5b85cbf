package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "ZSWatch", cfg.DeviceName)
	assert.Equal(t, 20, cfg.MTU)
	assert.Equal(t, 300, cfg.ReassemblyBuffer)
	assert.Equal(t, 5, cfg.Notifications.MaxStored)
	assert.Equal(t, 50, cfg.Notifications.FieldLen)
	assert.Equal(t, 2500*time.Millisecond, cfg.Charger.PollInterval)
	assert.Equal(t, "@every 5m", cfg.Battery.Schedule)
	assert.Equal(t, 10*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Bus.PublishTimeout)
	assert.Equal(t, 64, cfg.Link.RxQueue)
	assert.Equal(t, 5*time.Second, cfg.Status.ConnectDelay)
	assert.NoError(t, cfg.Validate(), "defaults MUST validate")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zswlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	// GOAL: Verify YAML values override defaults and untouched keys keep their defaults
	//
	// TEST SCENARIO: Load a partial file → overridden and default fields checked
	path := writeConfig(t, `
log_level: debug
device_name: Bench
notifications:
  max_stored: 10
charger:
  poll_interval: 1s
  sysfs_path: /sys/class/power_supply/AC
battery:
  schedule: "*/30 * * * * *"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "Bench", cfg.DeviceName)
	assert.Equal(t, 10, cfg.Notifications.MaxStored)
	assert.Equal(t, 50, cfg.Notifications.FieldLen, "unset nested keys MUST keep defaults")
	assert.Equal(t, time.Second, cfg.Charger.PollInterval)
	assert.Equal(t, "/sys/class/power_supply/AC", cfg.Charger.SysfsPath)
	assert.Equal(t, "*/30 * * * * *", cfg.Battery.Schedule)
	assert.Equal(t, 10*time.Second, cfg.HTTP.Timeout)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		missing bool
	}{
		{name: "missing file", missing: true},
		{name: "malformed yaml", content: "log_level: [debug"},
		{name: "bad duration", content: "http:\n  timeout: soon\n"},
		{name: "invalid value", content: "reassembly_buffer: 4\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "absent.yaml")
			if !tt.missing {
				path = writeConfig(t, tt.content)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"device name", func(c *Config) { c.DeviceName = "" }, "device_name"},
		{"mtu", func(c *Config) { c.MTU = 0 }, "mtu"},
		{"reassembly buffer", func(c *Config) { c.ReassemblyBuffer = 8 }, "reassembly_buffer"},
		{"max stored", func(c *Config) { c.Notifications.MaxStored = 0 }, "notifications.max_stored"},
		{"field len", func(c *Config) { c.Notifications.FieldLen = 1 }, "notifications.field_len"},
		{"poll interval", func(c *Config) { c.Charger.PollInterval = 0 }, "charger.poll_interval"},
		{"schedule", func(c *Config) { c.Battery.Schedule = "every now and then" }, "battery.schedule"},
		{"http timeout", func(c *Config) { c.HTTP.Timeout = -time.Second }, "http.timeout"},
		{"publish timeout", func(c *Config) { c.Bus.PublishTimeout = 0 }, "bus.publish_timeout"},
		{"rx queue", func(c *Config) { c.Link.RxQueue = 0 }, "link.rx_queue"},
		{"connect delay", func(c *Config) { c.Status.ConnectDelay = -time.Second }, "status.connect_delay"},
		{"zero connect delay", func(c *Config) { c.Status.ConnectDelay = 0 }, "status.connect_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{name: "debug level", level: "debug", expected: logrus.DebugLevel},
		{name: "info level", level: "info", expected: logrus.InfoLevel},
		{name: "warn level", level: "warn", expected: logrus.WarnLevel},
		{name: "error level", level: "error", expected: logrus.ErrorLevel},
		{name: "invalid falls back to info", level: "loud", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
