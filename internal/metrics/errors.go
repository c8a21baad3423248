package metrics

import "codeberg.org/mutker/upsplusd/internal/errors"

// ErrListen reports a metrics listen address that could not be bound.
const ErrListen = errors.ErrorCode("metrics_listen_failed")
