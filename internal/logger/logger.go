package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogFields carries structured key/value context for one log event.
type LogFields map[string]interface{}

// Level is the minimum severity a Logger emits.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARNING"
	LevelError Level = "ERROR"
)

// Logger wraps a zerolog.Logger behind the structured-fields call shape used
// throughout the bridge. The zero value is not usable; construct via New,
// NewWithWriter or Nop.
type Logger struct {
	zl zerolog.Logger
}

// New creates a logger writing JSON lines to the given target. target is
// "stderr", "stdout", or a file path (opened in append mode).
func New(level Level, target string) (*Logger, error) {
	var out io.Writer
	switch target {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
		}
		out = f
	}
	return NewWithWriter(level, out), nil
}

// NewWithWriter creates a logger over an arbitrary writer. Used by tests to
// capture output.
func NewWithWriter(level Level, out io.Writer) *Logger {
	zl := zerolog.New(out).With().Timestamp().Logger().Level(zerologLevel(level))
	return &Logger{zl: zl}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func zerologLevel(level Level) zerolog.Level {
	switch Level(strings.ToUpper(string(level))) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		for k, v := range f {
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}

// Debug logs at debug severity with optional structured fields.
func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.emit(l.zl.Debug(), msg, fields)
}

// Info logs at info severity with optional structured fields.
func (l *Logger) Info(msg string, fields ...LogFields) {
	l.emit(l.zl.Info(), msg, fields)
}

// Warn logs at warning severity with optional structured fields.
func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.emit(l.zl.Warn(), msg, fields)
}

// Error logs at error severity with optional structured fields.
func (l *Logger) Error(msg string, fields ...LogFields) {
	l.emit(l.zl.Error(), msg, fields)
}
