package logger

import (
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/upsplusd/internal/errors"
	"github.com/rs/zerolog"
)

// log starts as a no-op and is replaced by Init. Package functions called
// before Init discard their events instead of panicking.
var log = zerolog.Nop()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger based on the given configuration. The debug
// and verbose toggles take precedence over the named level.
func Init(level string, debug, verbose, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	switch {
	case debug:
		SetLogLevel(DebugLevel)
	case verbose:
		SetLogLevel(InfoLevel)
	default:
		SetLogLevel(ParseLevel(level))
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// ParseLevel maps a configuration level name to a LogLevel. Unknown names
// fall back to WarnLevel; config validation rejects them before this runs.
func ParseLevel(level string) LogLevel {
	switch level {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warning", "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return WarnLevel
	}
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Default returns a Logger backed by the package-level logger
func Default() Logger {
	return stdLogger{}
}

type stdLogger struct{}

func (stdLogger) Debug() *LogEvent { return Debug() }
func (stdLogger) Info() *LogEvent  { return Info() }
func (stdLogger) Warn() *LogEvent  { return Warn() }
func (stdLogger) Error() *LogEvent { return Error() }

func (stdLogger) ErrorWithCode(err errors.Error) *LogEvent { return ErrorWithCode(err) }
func (stdLogger) FatalWithCode(err errors.Error) *LogEvent { return FatalWithCode(err) }

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{log.Error().
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return &LogEvent{log.Fatal().
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}
