// Package logger is the process-wide leveled logger used by movliqbot.
//
// Output goes through the standard library log package so that flags,
// destination and prefixes stay familiar. Components that want a tag on every
// line (an agent email, a room id) use With to obtain a prefixed Logger.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level is the verbosity threshold used by the logger.
//
// Lower values are more verbose.
type Level int32

const (
	// LevelTrace enables extremely verbose logs (hub frames, FSM inputs, etc).
	LevelTrace Level = iota
	// LevelDebug enables verbose logs intended for debugging.
	LevelDebug
	// LevelInfo enables informational logs (default).
	LevelInfo
	// LevelWarn enables only warnings and errors.
	LevelWarn
	// LevelError enables only error logs.
	LevelError
)

// String returns the canonical lower-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

var (
	current = func() *atomic.Int32 {
		v := &atomic.Int32{}
		v.Store(int32(LevelInfo))
		return v
	}()
	std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
)

// ParseLevel parses a log level string into a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// SetOutput replaces the writer used by the global logger.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// SetFlags sets the underlying log flags used for all output.
func SetFlags(flags int) {
	std.SetFlags(flags)
}

// SetLevel sets the global log level threshold.
func SetLevel(level Level) {
	current.Store(int32(level))
}

// Enabled reports whether a level would be emitted by the current configuration.
func Enabled(level Level) bool {
	return level >= Level(current.Load())
}

func logf(level Level, prefix string, format string, args ...any) {
	if !Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if prefix != "" {
		msg = prefix + " " + msg
	}
	_ = std.Output(3, fmt.Sprintf("[%s] %s", strings.ToUpper(level.String()), msg))
}

// Tracef logs at TRACE level.
func Tracef(format string, args ...any) { logf(LevelTrace, "", format, args...) }

// Debugf logs at DEBUG level.
func Debugf(format string, args ...any) { logf(LevelDebug, "", format, args...) }

// Infof logs at INFO level.
func Infof(format string, args ...any) { logf(LevelInfo, "", format, args...) }

// Warnf logs at WARN level.
func Warnf(format string, args ...any) { logf(LevelWarn, "", format, args...) }

// Errorf logs at ERROR level.
func Errorf(format string, args ...any) { logf(LevelError, "", format, args...) }

// Logger tags every line with a fixed prefix. The zero value logs without a
// prefix.
type Logger struct {
	prefix string
}

// With returns a Logger whose lines start with "[prefix]".
func With(prefix string) *Logger {
	if prefix == "" {
		return &Logger{}
	}
	return &Logger{prefix: "[" + prefix + "]"}
}

// With returns a child Logger whose prefix extends l's prefix.
func (l *Logger) With(prefix string) *Logger {
	if l == nil || l.prefix == "" {
		return With(prefix)
	}
	return &Logger{prefix: l.prefix + "[" + prefix + "]"}
}

func (l *Logger) tag() string {
	if l == nil {
		return ""
	}
	return l.prefix
}

// Tracef logs at TRACE level.
func (l *Logger) Tracef(format string, args ...any) { logf(LevelTrace, l.tag(), format, args...) }

// Debugf logs at DEBUG level.
func (l *Logger) Debugf(format string, args ...any) { logf(LevelDebug, l.tag(), format, args...) }

// Infof logs at INFO level.
func (l *Logger) Infof(format string, args ...any) { logf(LevelInfo, l.tag(), format, args...) }

// Warnf logs at WARN level.
func (l *Logger) Warnf(format string, args ...any) { logf(LevelWarn, l.tag(), format, args...) }

// Errorf logs at ERROR level.
func (l *Logger) Errorf(format string, args ...any) { logf(LevelError, l.tag(), format, args...) }
