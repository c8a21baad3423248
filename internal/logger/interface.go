package logger

import "codeberg.org/mutker/upsplusd/internal/errors"

// Logger defines the interface for logging operations. Components take a
// Logger at construction instead of reaching for the package-level functions
// so tests can inject their own.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	ErrorWithCode(err errors.Error) *LogEvent
	FatalWithCode(err errors.Error) *LogEvent
}
