package history

import "codeberg.org/mutker/upsplusd/internal/errors"

const (
	ErrInvalidDBPath    = errors.ErrorCode("history_invalid_db_path")
	ErrInvalidBatch     = errors.ErrorCode("history_invalid_batch")
	ErrStorageInit      = errors.ErrorCode("history_storage_init_failed")
	ErrStorageAccess    = errors.ErrorCode("history_storage_access_failed")
	ErrStorageClose     = errors.ErrorCode("history_storage_close_failed")
	ErrSchemaInit       = errors.ErrorCode("history_schema_init_failed")
	ErrSchemaValidation = errors.ErrorCode("history_schema_validation_failed")
)
