package errors

// ErrorCode identifies one failure condition. Codes are stable strings;
// log fields and tests match on them rather than on message text.
type ErrorCode string

// Error is an error carrying a code and optional structured data, such as
// the register index of a failed bus read or a rejected config value.
type Error interface {
	error
	Code() ErrorCode
	Unwrap() error
}

// Factory creates coded errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithData(code ErrorCode, data any) Error
}
