package sink

import "codeberg.org/mutker/upsplusd/internal/errors"

const (
	ErrCSVOpen     = errors.ErrorCode("csv_open_failed")
	ErrCSVWrite    = errors.ErrorCode("csv_write_failed")
	ErrMQTTConnect = errors.ErrorCode("mqtt_connect_failed")
	ErrMQTTPublish = errors.ErrorCode("mqtt_publish_failed")
)
