package sampler_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"codeberg.org/mutker/upsplusd/internal/errors"
	"codeberg.org/mutker/upsplusd/internal/ina219"
	"codeberg.org/mutker/upsplusd/internal/logger"
	"codeberg.org/mutker/upsplusd/internal/sampler"
	"codeberg.org/mutker/upsplusd/internal/upsplus"
)

// scriptedBoard answers snapshots only inside the window between failUntil
// and failAfter, so a test can pin down exactly how many samples a run may
// produce regardless of timing.
type scriptedBoard struct {
	mu        sync.Mutex
	calls     int
	buf       upsplus.RawBuffer
	failUntil int
	failAfter int
}

func (b *scriptedBoard) Snapshot() (upsplus.RawBuffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if b.calls <= b.failUntil || (b.failAfter > 0 && b.calls > b.failAfter) {
		return nil, errors.New().New(upsplus.ErrBusTransaction)
	}
	return b.buf, nil
}

func (b *scriptedBoard) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeMeter struct {
	power   physic.Power
	current physic.ElectricCurrent
	err     error
}

func (m fakeMeter) Power() (physic.Power, error) { return m.power, m.err }

func (m fakeMeter) Current() (physic.ElectricCurrent, error) { return m.current, m.err }

type recordingSink struct {
	mu      sync.Mutex
	samples []upsplus.Sample
	err     error
}

func (s *recordingSink) Record(_ context.Context, sample upsplus.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func (s *recordingSink) first() upsplus.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples[0]
}

func telemetryBuffer() upsplus.RawBuffer {
	buf := make(upsplus.RawBuffer, upsplus.BufferLen)
	buf[5], buf[6] = 0xAC, 0x0F   // battery voltage 4012 mV
	buf[11] = 0x19                // battery temperature 25 C
	buf[19] = 0x57                // remaining charge 87 %
	buf[36], buf[37] = 0x10, 0x0E // running time 3600 s
	return buf
}

func workingMeters() (fakeMeter, fakeMeter) {
	system := fakeMeter{power: 2500 * physic.MilliWatt}
	battery := fakeMeter{current: -180 * physic.MilliAmpere}
	return system, battery
}

func newSampler(t *testing.T, board sampler.BoardReader, system, battery sampler.PowerMeter, out *recordingSink, cfg sampler.Config) *sampler.Sampler {
	t.Helper()

	s, err := sampler.New(board, system, battery, out, cfg, logger.Default())
	require.NoError(t, err)
	return s
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	system, battery := workingMeters()

	_, err := sampler.New(&scriptedBoard{}, system, battery, &recordingSink{}, sampler.Config{}, logger.Default())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidInterval))
}

func TestRunEmitsDecodedSamples(t *testing.T) {
	board := &scriptedBoard{buf: telemetryBuffer()}
	system, battery := workingMeters()
	rec := &recordingSink{}
	s := newSampler(t, board, system, battery, rec, sampler.Config{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	sample := rec.first()
	assert.Equal(t, uint32(3600), sample.Time)
	assert.Equal(t, uint16(4012), sample.Voltage)
	assert.Equal(t, uint16(87), sample.Remaining)
	assert.Equal(t, int16(25), sample.BattTemp)
	assert.InDelta(t, 2500, sample.Power, 0.001)
	assert.InDelta(t, -180, sample.BattCurrent, 0.001)
}

func TestRunResilientRecoversAfterFailures(t *testing.T) {
	// Three failed cycles, one good one, then failures again: the loop must
	// keep running throughout and emit exactly one sample.
	board := &scriptedBoard{buf: telemetryBuffer(), failUntil: 3, failAfter: 4}
	system, battery := workingMeters()
	rec := &recordingSink{}
	s := newSampler(t, board, system, battery, rec, sampler.Config{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return rec.count() == 1 && board.callCount() >= 6
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, rec.count())
}

func TestRunFailFastStopsOnFirstFailure(t *testing.T) {
	board := &scriptedBoard{failUntil: 1 << 30}
	system, battery := workingMeters()
	rec := &recordingSink{}
	s := newSampler(t, board, system, battery, rec, sampler.Config{Interval: time.Millisecond, FailFast: true})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, upsplus.ErrBusTransaction))
	assert.Zero(t, rec.count())
	assert.Equal(t, 1, board.callCount())
}

func TestRangeErrorDegradesToNaN(t *testing.T) {
	// A saturated battery sensor must not fail the cycle even in fail-fast
	// mode; the sample is emitted with NaN in that one field.
	board := &scriptedBoard{buf: telemetryBuffer()}
	system, _ := workingMeters()
	battery := fakeMeter{err: errors.New().New(ina219.ErrSensorRange)}
	rec := &recordingSink{}
	s := newSampler(t, board, system, battery, rec, sampler.Config{Interval: time.Millisecond, FailFast: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	sample := rec.first()
	assert.True(t, math.IsNaN(sample.BattCurrent))
	assert.InDelta(t, 2500, sample.Power, 0.001)
	assert.Equal(t, uint16(4012), sample.Voltage)
}

func TestSensorBusErrorFailsCycle(t *testing.T) {
	board := &scriptedBoard{buf: telemetryBuffer()}
	system, _ := workingMeters()
	battery := fakeMeter{err: errors.New().New(ina219.ErrBusTransaction)}
	rec := &recordingSink{}
	s := newSampler(t, board, system, battery, rec, sampler.Config{Interval: time.Millisecond, FailFast: true})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ina219.ErrBusTransaction))
	assert.Zero(t, rec.count())
}

func TestSinkErrorFailsCycle(t *testing.T) {
	board := &scriptedBoard{buf: telemetryBuffer()}
	system, battery := workingMeters()
	sinkErr := errors.New().New(errors.ErrOperationFailed)
	rec := &recordingSink{err: sinkErr}
	s := newSampler(t, board, system, battery, rec, sampler.Config{Interval: time.Millisecond, FailFast: true})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sinkErr))
}

// cancelingSink cancels the run from inside a cycle and surfaces the
// context error, the way a context-aware sink would during shutdown.
type cancelingSink struct {
	cancel context.CancelFunc
}

func (s *cancelingSink) Record(ctx context.Context, _ upsplus.Sample) error {
	s.cancel()
	return ctx.Err()
}

func (s *cancelingSink) Close() error { return nil }

func TestRunTreatsCancellationAsCleanShutdown(t *testing.T) {
	board := &scriptedBoard{buf: telemetryBuffer()}
	system, battery := workingMeters()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := sampler.New(board, system, battery, &cancelingSink{cancel: cancel},
		sampler.Config{Interval: time.Millisecond, FailFast: true}, logger.Default())
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
}
