package upsplus

import "codeberg.org/mutker/upsplusd/internal/errors"

const (
	// ErrBusTransaction reports a failed single-register read.
	ErrBusTransaction = errors.ErrorCode("bus_transaction_failed")
	// ErrMalformedBuffer reports a register snapshot of the wrong length.
	ErrMalformedBuffer = errors.ErrorCode("malformed_buffer")
)
