package ina219

import "codeberg.org/mutker/upsplusd/internal/errors"

const (
	// ErrSensorRange reports a saturated measurement. The overflow flag is
	// set and the current and power registers are not meaningful.
	ErrSensorRange = errors.ErrorCode("sensor_range_exceeded")
	// ErrBusTransaction reports a failed register access.
	ErrBusTransaction = errors.ErrorCode("sensor_bus_transaction_failed")
	// ErrInvalidShunt reports a zero or negative shunt resistance.
	ErrInvalidShunt = errors.ErrorCode("sensor_invalid_shunt")
)
