package sink

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"codeberg.org/mutker/upsplusd/internal/errors"
	"codeberg.org/mutker/upsplusd/internal/logger"
	"codeberg.org/mutker/upsplusd/internal/upsplus"
)

// csvHeader is the column layout of the battery log, one column per decoded
// field in sample order.
var csvHeader = []string{
	"Time (s)",
	"Volts (mV)",
	"Power (mW)",
	"Remaining %",
	"Battery Current (mA)",
	"Batt. Temp (°C)",
}

// CSV appends samples to a comma-separated log file, one row per cycle.
type CSV struct {
	f   *os.File
	w   *csv.Writer
	log logger.Logger
}

// NewCSV opens or creates the battery log. An empty path falls back to a
// timestamped batt_log file in the working directory. The header row is
// written only when the file is empty, so reopening an existing log never
// duplicates it.
func NewCSV(path string, log logger.Logger) (*CSV, error) {
	errFactory := errors.New()

	if path == "" {
		path = "batt_log_" + time.Now().Format("2006-01-02_150405") + ".csv"
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errFactory.Wrap(ErrCSVOpen, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errFactory.Wrap(ErrCSVOpen, err)
	}

	c := &CSV{f: f, w: csv.NewWriter(f), log: log}
	if info.Size() == 0 {
		if err := c.writeRow(csvHeader); err != nil {
			f.Close()
			return nil, err
		}
	}

	log.Info().Str("path", path).Msg("battery log opened")

	return c, nil
}

// Record appends one row. Saturated readings are written literally as NaN;
// consumers of the log treat them as missing values.
func (c *CSV) Record(_ context.Context, sample upsplus.Sample) error {
	return c.writeRow([]string{
		strconv.FormatUint(uint64(sample.Time), 10),
		strconv.FormatUint(uint64(sample.Voltage), 10),
		strconv.FormatFloat(sample.Power, 'f', 0, 64),
		strconv.FormatUint(uint64(sample.Remaining), 10),
		strconv.FormatFloat(sample.BattCurrent, 'f', 0, 64),
		strconv.FormatInt(int64(sample.BattTemp), 10),
	})
}

func (c *CSV) Close() error {
	errFactory := errors.New()

	if err := c.f.Close(); err != nil {
		return errFactory.Wrap(ErrCSVWrite, err)
	}

	return nil
}

// writeRow flushes after every row. The log is typically capturing a
// discharge that ends in power loss, so buffered rows would be the ones
// that matter most.
func (c *CSV) writeRow(row []string) error {
	errFactory := errors.New()

	if err := c.w.Write(row); err != nil {
		return errFactory.Wrap(ErrCSVWrite, err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return errFactory.Wrap(ErrCSVWrite, err)
	}

	return nil
}
