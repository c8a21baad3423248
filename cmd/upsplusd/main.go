package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"codeberg.org/mutker/upsplusd/internal/config"
	"codeberg.org/mutker/upsplusd/internal/errors"
	"codeberg.org/mutker/upsplusd/internal/history"
	"codeberg.org/mutker/upsplusd/internal/ina219"
	"codeberg.org/mutker/upsplusd/internal/logger"
	"codeberg.org/mutker/upsplusd/internal/metrics"
	"codeberg.org/mutker/upsplusd/internal/pid"
	"codeberg.org/mutker/upsplusd/internal/sampler"
	"codeberg.org/mutker/upsplusd/internal/sink"
	"codeberg.org/mutker/upsplusd/internal/upsplus"
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := run(); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

func run() error {
	errFactory := errors.New()

	if err := pid.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove pid file")
		}
	}()

	if _, err := host.Init(); err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return errFactory.Wrap(errors.ErrBusOpen, err)
	}
	defer bus.Close()

	log := logger.Default()

	board := upsplus.NewBoard(bus, uint16(cfg.BoardAddress))
	system, err := ina219.New(bus, ina219.Opts{
		Addr:          uint16(cfg.System.Address),
		SenseResistor: shuntResistance(cfg.System.ShuntOhms),
	})
	if err != nil {
		return err
	}
	battery, err := ina219.New(bus, ina219.Opts{
		Addr:          uint16(cfg.Battery.Address),
		SenseResistor: shuntResistance(cfg.Battery.ShuntOhms),
	})
	if err != nil {
		return err
	}

	logSensorCheck(log, "system", system)
	logSensorCheck(log, "battery", battery)

	sinks, err := buildSinks(log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close sinks")
		}
	}()

	s, err := sampler.New(board, system, battery, sinks, sampler.Config{
		Interval: time.Duration(cfg.Interval) * time.Second,
		FailFast: cfg.FailFast,
	}, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	logger.Info().
		Str("bus", cfg.Bus).
		Int("interval_s", cfg.Interval).
		Bool("failfast", cfg.FailFast).
		Msg("Sampling started")

	return s.Run(ctx)
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// buildSinks assembles the enabled outputs. Construction is eager: a sink
// that cannot be set up fails startup rather than dropping samples later.
func buildSinks(log logger.Logger) (sink.Multi, error) {
	var sinks sink.Multi

	closeAll := func() {
		if err := sinks.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close sinks")
		}
	}

	if cfg.CSV.Enabled {
		c, err := sink.NewCSV(cfg.CSV.Path, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, c)
	}
	if cfg.Metrics.Enabled {
		m, err := metrics.New(cfg.Metrics, log)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, m)
	}
	if cfg.History.Enabled {
		h, err := history.New(history.Config{
			Database:     cfg.History.Database,
			BatchSize:    cfg.History.BatchSize,
			BatchTimeout: cfg.History.BatchTimeout,
		}, log)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, h)
	}
	if cfg.MQTT.Enabled {
		mq, err := sink.NewMQTT(cfg.MQTT, log)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, mq)
	}

	if len(sinks) == 0 {
		return nil, errors.New().WithData(errors.ErrInvalidConfig, "no sinks enabled")
	}

	return sinks, nil
}

// shuntResistance converts the configured ohm value into physic units.
func shuntResistance(ohms float64) physic.ElectricResistance {
	return physic.ElectricResistance(ohms * float64(physic.Ohm))
}

// logSensorCheck takes one full reading of a sensor at startup so a
// miswired address or an already saturated rail is visible before the
// sampling loop starts.
func logSensorCheck(log logger.Logger, name string, dev *ina219.Dev) {
	m, err := dev.Sense()
	if err != nil {
		log.Warn().Str("sensor", name).Err(err).Msg("initial sensor read failed")
		return
	}
	log.Debug().
		Str("sensor", name).
		Str("bus_voltage", m.Voltage.String()).
		Str("current", m.Current.String()).
		Str("power", m.Power.String()).
		Msg("sensor check")
}
