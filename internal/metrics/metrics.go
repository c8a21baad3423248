package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codeberg.org/mutker/upsplusd/internal/config"
	"codeberg.org/mutker/upsplusd/internal/errors"
	"codeberg.org/mutker/upsplusd/internal/logger"
	"codeberg.org/mutker/upsplusd/internal/upsplus"
)

const shutdownTimeout = 5 * time.Second

// Exporter exposes the most recent sample as Prometheus gauges on /metrics.
// It holds no history; scrapes between cycles observe the last value.
type Exporter struct {
	srv *http.Server
	ln  net.Listener
	log logger.Logger

	time      prometheus.Gauge
	voltage   prometheus.Gauge
	power     prometheus.Gauge
	remaining prometheus.Gauge
	current   prometheus.Gauge
	temp      prometheus.Gauge
}

// New registers the gauge set on its own registry and starts serving. The
// listener is bound synchronously so an occupied port fails startup instead
// of surfacing on the first scrape.
func New(cfg config.MetricsConfig, log logger.Logger) (*Exporter, error) {
	errFactory := errors.New()

	e := &Exporter{
		log: log,
		time: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsplus_time_seconds",
			Help: "Time value (seconds) provided by UPS Plus v5 (board register, not necessarily Unix time)",
		}),
		voltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsplus_voltage_mv",
			Help: "Battery voltage from UPS Plus v5 in millivolts",
		}),
		power: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsplus_power_mw",
			Help: "Raspberry Pi power draw measured by UPS Plus v5 in milliwatts",
		}),
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsplus_remaining_percent",
			Help: "Remaining battery percentage reported by UPS Plus v5",
		}),
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsplus_battery_current_ma",
			Help: "Battery current from UPS Plus v5 in milliamps (positive = discharge, negative = charge)",
		}),
		temp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsplus_battery_temp_celsius",
			Help: "Battery temperature reported by UPS Plus v5 in degrees Celsius",
		}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(e.time, e.voltage, e.power, e.remaining, e.current, e.temp)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, errFactory.Wrap(ErrListen, err)
	}

	e.ln = ln
	e.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("listen", ln.Addr().String()).Msg("metrics exporter listening")

	return e, nil
}

// Addr returns the bound listen address, which differs from the configured
// one when the port was 0.
func (e *Exporter) Addr() string {
	return e.ln.Addr().String()
}

// Record sets every gauge from the sample. NaN values pass through; the
// exposition format represents them natively.
func (e *Exporter) Record(_ context.Context, sample upsplus.Sample) error {
	e.time.Set(float64(sample.Time))
	e.voltage.Set(float64(sample.Voltage))
	e.power.Set(sample.Power)
	e.remaining.Set(float64(sample.Remaining))
	e.current.Set(sample.BattCurrent)
	e.temp.Set(float64(sample.BattTemp))

	return nil
}

func (e *Exporter) Close() error {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.srv.Shutdown(ctx); err != nil {
		return errFactory.Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}
