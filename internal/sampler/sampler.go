package sampler

import (
	"context"
	"math"
	"time"

	"periph.io/x/conn/v3/physic"

	"codeberg.org/mutker/upsplusd/internal/errors"
	"codeberg.org/mutker/upsplusd/internal/ina219"
	"codeberg.org/mutker/upsplusd/internal/logger"
	"codeberg.org/mutker/upsplusd/internal/sink"
	"codeberg.org/mutker/upsplusd/internal/upsplus"
)

// BoardReader acquires one full register snapshot per cycle.
type BoardReader interface {
	Snapshot() (upsplus.RawBuffer, error)
}

// PowerMeter reads one current-sense peripheral.
type PowerMeter interface {
	Power() (physic.Power, error)
	Current() (physic.ElectricCurrent, error)
}

// Config holds the loop parameters.
type Config struct {
	// Interval is the fixed pause between the end of one cycle and the
	// start of the next. Cycle duration is not compensated for.
	Interval time.Duration
	// FailFast terminates the loop on the first failed cycle instead of
	// logging and waiting for the next tick.
	FailFast bool
}

// Sampler drives one acquire, decode, emit cycle per interval.
type Sampler struct {
	board   BoardReader
	system  PowerMeter
	battery PowerMeter
	out     sink.Sink
	cfg     Config
	log     logger.Logger
}

func New(board BoardReader, system, battery PowerMeter, out sink.Sink, cfg Config, log logger.Logger) (*Sampler, error) {
	if cfg.Interval <= 0 {
		errFactory := errors.New()
		return nil, errFactory.WithData(errors.ErrInvalidInterval, cfg.Interval.String())
	}

	return &Sampler{
		board:   board,
		system:  system,
		battery: battery,
		out:     out,
		cfg:     cfg,
		log:     log,
	}, nil
}

// Run samples until ctx is canceled. Under the default resilient policy a
// failed cycle is logged and skipped; with FailFast the first failure is
// returned. Cancellation is observed only between cycles and is a clean
// shutdown in both modes; a cycle in flight always runs to completion.
func (s *Sampler) Run(ctx context.Context) error {
	for {
		sample, err := s.cycle(ctx)
		switch {
		case err == nil:
			s.logSample(sample)
		case errors.Is(err, context.Canceled):
			return nil
		case s.cfg.FailFast:
			return err
		default:
			s.log.Warn().
				Str("error_code", string(errors.CodeOf(err))).
				Err(err).
				Msg("sample cycle failed; retrying next tick")
		}

		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// cycle performs one full acquisition: register snapshot, both sensor
// readings, decode, emit. Any error voids the whole cycle; no partial
// sample is ever emitted.
func (s *Sampler) cycle(ctx context.Context) (upsplus.Sample, error) {
	buf, err := s.board.Snapshot()
	if err != nil {
		return upsplus.Sample{}, err
	}

	powerMW, err := s.systemPower()
	if err != nil {
		return upsplus.Sample{}, err
	}
	battCurrentMA, err := s.batteryCurrent()
	if err != nil {
		return upsplus.Sample{}, err
	}

	sample, err := upsplus.Decode(buf, powerMW, battCurrentMA)
	if err != nil {
		return upsplus.Sample{}, err
	}

	if err := s.out.Record(ctx, sample); err != nil {
		return upsplus.Sample{}, err
	}

	return sample, nil
}

// systemPower reads the system rail sensor in milliwatts. A range error is
// downgraded to NaN so one saturated sensor cannot void the whole sample;
// any other sensor error fails the cycle.
func (s *Sampler) systemPower() (float64, error) {
	p, err := s.system.Power()
	if err != nil {
		if errors.IsCode(err, ina219.ErrSensorRange) {
			s.log.Debug().Msg("system power out of sensor range; recording NaN")
			return math.NaN(), nil
		}
		return 0, err
	}

	return float64(p) / float64(physic.MilliWatt), nil
}

// batteryCurrent reads the battery sensor in milliamps, positive on
// discharge. Range errors degrade to NaN like systemPower.
func (s *Sampler) batteryCurrent() (float64, error) {
	c, err := s.battery.Current()
	if err != nil {
		if errors.IsCode(err, ina219.ErrSensorRange) {
			s.log.Debug().Msg("battery current out of sensor range; recording NaN")
			return math.NaN(), nil
		}
		return 0, err
	}

	return float64(c) / float64(physic.MilliAmpere), nil
}

// logSample mirrors each successful sample into the debug log.
func (s *Sampler) logSample(sample upsplus.Sample) {
	s.log.Debug().
		Uint32("time_s", sample.Time).
		Uint16("volts_mv", sample.Voltage).
		Float64("power_mw", sample.Power).
		Uint16("remaining_pct", sample.Remaining).
		Float64("batt_current_ma", sample.BattCurrent).
		Int16("batt_temp_c", sample.BattTemp).
		Msg("sample")
}
