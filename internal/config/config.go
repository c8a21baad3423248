package config

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/mutker/upsplusd/internal/errors"
)

const (
	// DefaultLogLevel is used when no level is configured
	DefaultLogLevel = "info"

	defaultBus           = "1"
	defaultBoardAddress  = 0x17
	defaultInterval      = 5
	defaultSystemAddr    = 0x40
	defaultSystemShunt   = 0.00725
	defaultBatteryAddr   = 0x45
	defaultBatteryShunt  = 0.005
	defaultMetricsListen = ":9105"
	defaultHistoryDB     = "/var/lib/upsplusd/history.db"

	defaultHistoryBatchSize    = 16
	defaultHistoryBatchTimeout = 60

	defaultMQTTBroker   = "tcp://localhost:1883"
	defaultMQTTClientID = "upsplusd"
	defaultMQTTTopic    = "upsplus/telemetry"
	defaultMQTTQoS      = 1

	// 7-bit I2C address range, reserved addresses excluded
	minDeviceAddress = 0x08
	maxDeviceAddress = 0x77
)

type Config struct {
	Bus          string        `mapstructure:"bus"`
	BoardAddress int           `mapstructure:"board_address"`
	Interval     int           `mapstructure:"interval"`
	FailFast     bool          `mapstructure:"failfast"`
	LogLevel     string        `mapstructure:"log_level"`
	Debug        bool          `mapstructure:"debug"`
	Verbose      bool          `mapstructure:"verbose"`
	System       SensorConfig  `mapstructure:"system_sensor"`
	Battery      SensorConfig  `mapstructure:"battery_sensor"`
	CSV          CSVConfig     `mapstructure:"csv"`
	Metrics      MetricsConfig `mapstructure:"metrics"`
	History      HistoryConfig `mapstructure:"history"`
	MQTT         MQTTConfig    `mapstructure:"mqtt"`
}

// SensorConfig holds the address and shunt calibration of one INA219
type SensorConfig struct {
	Address   int     `mapstructure:"address"`
	ShuntOhms float64 `mapstructure:"shunt_ohms"`
}

type CSVConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Database string `mapstructure:"database"`
	// BatchSize and BatchTimeout bound how many samples are buffered before
	// a write, trading durability for fewer flash writes.
	BatchSize    int `mapstructure:"batch_size"`
	BatchTimeout int `mapstructure:"batch_timeout"`
}

type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      int    `mapstructure:"qos"`
}

// Load reads configuration from flags, environment and the TOML config file,
// in that order of precedence. A fresh flag set and viper instance are built
// on every call so repeated loads (tests) do not collide.
func Load() (*Config, error) {
	errFactory := errors.New()

	fs := pflag.NewFlagSet("upsplusd", pflag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to config file")
	fs.Int("interval", defaultInterval, "Seconds between samples")
	fs.Bool("failfast", false, "Terminate on the first failed sample cycle")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("UPSPLUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath := configFile(*configFlag); configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName("upsplusd.conf")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	if err := bindFlags(v, fs); err != nil {
		return nil, err
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// configFile resolves the explicit config path: the --config flag wins,
// then the UPSPLUSD_CONFIG environment variable.
func configFile(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}

	return os.Getenv("UPSPLUSD_CONFIG")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus", defaultBus)
	v.SetDefault("board_address", defaultBoardAddress)
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("failfast", false)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("system_sensor.address", defaultSystemAddr)
	v.SetDefault("system_sensor.shunt_ohms", defaultSystemShunt)
	v.SetDefault("battery_sensor.address", defaultBatteryAddr)
	v.SetDefault("battery_sensor.shunt_ohms", defaultBatteryShunt)
	v.SetDefault("csv.enabled", true)
	v.SetDefault("csv.path", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", defaultMetricsListen)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.database", defaultHistoryDB)
	v.SetDefault("history.batch_size", defaultHistoryBatchSize)
	v.SetDefault("history.batch_timeout", defaultHistoryBatchTimeout)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", defaultMQTTBroker)
	v.SetDefault("mqtt.client_id", defaultMQTTClientID)
	v.SetDefault("mqtt.topic", defaultMQTTTopic)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", defaultMQTTQoS)
}

// bindFlags maps flag spellings to their config file keys. Set flags
// override file and environment values; unset flags leave defaults alone.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	errFactory := errors.New()

	bindings := map[string]string{
		"interval":  "interval",
		"failfast":  "failfast",
		"log-level": "log_level",
		"debug":     "debug",
		"verbose":   "verbose",
	}
	for flagName, key := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	return nil
}

// Validate checks the loaded configuration for values the daemon cannot
// start with.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Bus == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "bus must not be empty")
	}
	if c.Interval < 1 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if !validAddress(c.BoardAddress) {
		return errFactory.WithData(errors.ErrInvalidAddress, c.BoardAddress)
	}
	for _, sensor := range []SensorConfig{c.System, c.Battery} {
		if !validAddress(sensor.Address) {
			return errFactory.WithData(errors.ErrInvalidAddress, sensor.Address)
		}
		if sensor.ShuntOhms <= 0 {
			return errFactory.WithData(errors.ErrInvalidShunt, sensor.ShuntOhms)
		}
	}
	if !validLogLevel(c.LogLevel) {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "metrics.listen must not be empty")
	}
	if c.History.Enabled {
		if c.History.Database == "" {
			return errFactory.WithData(errors.ErrInvalidConfig, "history.database must not be empty")
		}
		if c.History.BatchSize < 1 || c.History.BatchTimeout < 1 {
			return errFactory.WithData(errors.ErrInvalidConfig, "history batch_size and batch_timeout must be at least 1")
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "mqtt.broker must not be empty")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errFactory.WithData(errors.ErrInvalidConfig, "mqtt.qos must be 0, 1 or 2")
	}

	return nil
}

func validAddress(addr int) bool {
	return addr >= minDeviceAddress && addr <= maxDeviceAddress
}

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warning", "warn", "error":
		return true
	default:
		return false
	}
}
