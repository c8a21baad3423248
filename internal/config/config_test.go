package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/upsplusd/internal/config"
	"codeberg.org/mutker/upsplusd/internal/errors"
)

// resetArgs replaces os.Args for one test so Load's flag parsing does not
// see the test binary's own flags.
func resetArgs(t *testing.T, args ...string) {
	t.Helper()

	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })
	os.Args = append([]string{"upsplusd"}, args...)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "upsplusd.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	resetArgs(t)
	configPath := writeConfig(t, `
bus = "3"
board_address = 23
interval = 10
failfast = true
log_level = "debug"

[system_sensor]
address = 64
shunt_ohms = 0.00725

[battery_sensor]
address = 69
shunt_ohms = 0.005

[csv]
enabled = true
path = "/var/log/upsplus/batt.csv"

[metrics]
enabled = true
listen = ":9200"

[history]
enabled = true
database = "/var/lib/upsplusd/history.db"
batch_size = 8
batch_timeout = 30

[mqtt]
enabled = false
broker = "tcp://broker:1883"
topic = "home/ups"
qos = 2
`)
	t.Setenv("UPSPLUSD_CONFIG", configPath)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "3", cfg.Bus, "Expected Bus 3")
	assert.Equal(t, 23, cfg.BoardAddress, "Expected BoardAddress 0x17")
	assert.Equal(t, 10, cfg.Interval, "Expected Interval 10")
	assert.True(t, cfg.FailFast, "Expected FailFast true")
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel debug")
	assert.Equal(t, 64, cfg.System.Address, "Expected system sensor at 0x40")
	assert.InDelta(t, 0.00725, cfg.System.ShuntOhms, 1e-9)
	assert.Equal(t, 69, cfg.Battery.Address, "Expected battery sensor at 0x45")
	assert.InDelta(t, 0.005, cfg.Battery.ShuntOhms, 1e-9)
	assert.True(t, cfg.CSV.Enabled)
	assert.Equal(t, "/var/log/upsplus/batt.csv", cfg.CSV.Path)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9200", cfg.Metrics.Listen)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, 8, cfg.History.BatchSize)
	assert.Equal(t, 30, cfg.History.BatchTimeout)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "home/ups", cfg.MQTT.Topic)
	assert.Equal(t, 2, cfg.MQTT.QoS)
}

func TestLoadDefaults(t *testing.T) {
	resetArgs(t)
	// Ensure no config file is used
	t.Setenv("UPSPLUSD_CONFIG", "")

	cfg, err := config.Load()
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, "1", cfg.Bus, "Expected default bus 1")
	assert.Equal(t, 0x17, cfg.BoardAddress, "Expected default board address 0x17")
	assert.Equal(t, 5, cfg.Interval, "Expected default Interval 5")
	assert.False(t, cfg.FailFast, "Expected default FailFast false")
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel, "Expected default LogLevel info")
	assert.Equal(t, 0x40, cfg.System.Address)
	assert.InDelta(t, 0.00725, cfg.System.ShuntOhms, 1e-9)
	assert.Equal(t, 0x45, cfg.Battery.Address)
	assert.InDelta(t, 0.005, cfg.Battery.ShuntOhms, 1e-9)
	assert.True(t, cfg.CSV.Enabled, "Expected CSV sink enabled by default")
	assert.Empty(t, cfg.CSV.Path)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9105", cfg.Metrics.Listen)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, "/var/lib/upsplusd/history.db", cfg.History.Database)
	assert.Equal(t, 16, cfg.History.BatchSize)
	assert.Equal(t, 60, cfg.History.BatchTimeout)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "upsplusd", cfg.MQTT.ClientID)
	assert.Equal(t, "upsplus/telemetry", cfg.MQTT.Topic)
	assert.Equal(t, 1, cfg.MQTT.QoS)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	resetArgs(t)
	configPath := writeConfig(t, `
This is not a valid TOML file
`)
	t.Setenv("UPSPLUSD_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestInvalidLogLevel(t *testing.T) {
	resetArgs(t)
	configPath := writeConfig(t, `
log_level = "invalid"
`)
	t.Setenv("UPSPLUSD_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidLogLevel))
}

func TestLogLevelFlag(t *testing.T) {
	resetArgs(t, "--log-level", "debug")
	t.Setenv("UPSPLUSD_CONFIG", "")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel to be set by flag")
}

func TestFlagOverridesConfigFile(t *testing.T) {
	resetArgs(t, "--interval", "3")
	configPath := writeConfig(t, `
interval = 10
`)
	t.Setenv("UPSPLUSD_CONFIG", configPath)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Interval, "Expected flag to win over config file")
}

func TestEnvOverride(t *testing.T) {
	resetArgs(t)
	t.Setenv("UPSPLUSD_CONFIG", "")
	t.Setenv("UPSPLUSD_METRICS_LISTEN", ":9300")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":9300", cfg.Metrics.Listen, "Expected environment to override default")
}

func TestInvalidInterval(t *testing.T) {
	resetArgs(t)
	configPath := writeConfig(t, `
interval = 0
`)
	t.Setenv("UPSPLUSD_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidInterval))
}

func TestInvalidDeviceAddress(t *testing.T) {
	resetArgs(t)
	// 0x80 is outside the 7-bit address range
	configPath := writeConfig(t, `
board_address = 128
`)
	t.Setenv("UPSPLUSD_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidAddress))
}

func TestInvalidShuntResistance(t *testing.T) {
	resetArgs(t)
	configPath := writeConfig(t, `
[battery_sensor]
shunt_ohms = -0.005
`)
	t.Setenv("UPSPLUSD_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidShunt))
}

func TestInvalidMQTTQoS(t *testing.T) {
	resetArgs(t)
	configPath := writeConfig(t, `
[mqtt]
enabled = true
qos = 5
`)
	t.Setenv("UPSPLUSD_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidConfig))
}
