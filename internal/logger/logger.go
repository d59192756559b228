// Package logger provides leveled logging shared by every questsync component.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a log level.
type Level int

const (
	// LevelDebug is the most verbose log level.
	LevelDebug Level = iota
	// LevelInfo is the default log level.
	LevelInfo
	// LevelWarn is for recoverable problems (failed sends, corrupt cache rows).
	LevelWarn
	// LevelError is for failures the user has to act on.
	LevelError
)

// String returns the string representation of a log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// sink is the shared destination behind every named logger.
type sink struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
	file   *os.File
}

// Logger writes lines tagged with a component name.
type Logger struct {
	component string
	sink      *sink
}

var defaultSink = &sink{
	level:  LevelInfo,
	output: os.Stderr,
}

var root = &Logger{sink: defaultSink}

// Named returns a logger whose lines are prefixed with [component].
func Named(component string) *Logger {
	return &Logger{component: component, sink: defaultSink}
}

// SetLevel sets the minimum level for all loggers.
func SetLevel(level Level) {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()
	defaultSink.level = level
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()
	return defaultSink.level
}

// SetOutput sets the primary writer. Mostly useful in tests.
func SetOutput(w io.Writer) {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()
	defaultSink.output = w
}

// SetLogFile additionally appends every emitted line to path.
func SetLogFile(path string) error {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()

	if defaultSink.file != nil {
		defaultSink.file.Close()
		defaultSink.file = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	defaultSink.file = f
	return nil
}

// Close closes the log file if one is open.
func Close() {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()

	if defaultSink.file != nil {
		defaultSink.file.Close()
		defaultSink.file = nil
	}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.level {
		return
	}

	// Format: 2006-01-02T15:04:05.000Z LEVEL [component] message
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteByte(' ')
	b.WriteString(level.String())
	b.WriteByte(' ')
	if l.component != "" {
		b.WriteString("[" + l.component + "] ")
	}
	b.WriteString(fmt.Sprintf(format, args...))
	b.WriteByte('\n')
	line := b.String()

	io.WriteString(s.output, line)
	if s.file != nil {
		io.WriteString(s.file, line)
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Debug logs at debug level on the unnamed logger.
func Debug(format string, args ...interface{}) { root.log(LevelDebug, format, args...) }

// Info logs at info level on the unnamed logger.
func Info(format string, args ...interface{}) { root.log(LevelInfo, format, args...) }

// Warn logs at warn level on the unnamed logger.
func Warn(format string, args ...interface{}) { root.log(LevelWarn, format, args...) }

// Error logs at error level on the unnamed logger.
func Error(format string, args ...interface{}) { root.log(LevelError, format, args...) }

// ParseLevel converts a string to a Level.
// Accepts: debug, info, warn, error (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}
