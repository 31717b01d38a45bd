// Package logging provides the structured JSON logger used across the
// analytics pipeline. Loggers are immutable; With* methods return copies,
// so a component logger can be shared between goroutines.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

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
	case LevelFatal:
		return "FATAL"
	}
	return "INFO"
}

// ParseLevel maps a configuration string to a Level. Unknown values
// default to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Entry is the serialized shape of one log line.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Logger writes structured entries to a single destination.
type Logger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     Level
	component string
	fields    map[string]interface{}
	err       string
}

// Config selects the destination and minimum severity.
type Config struct {
	Level  string `json:"level"`
	Output string `json:"output"` // "stdout", "stderr", or a file path
}

// New builds a logger from cfg. A file destination that cannot be opened
// falls back to stdout.
func New(cfg Config) *Logger {
	var out io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	default:
		if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = f
		}
	}
	return &Logger{
		mu:     &sync.Mutex{},
		out:    out,
		level:  ParseLevel(cfg.Level),
		fields: map[string]interface{}{},
	}
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns the process-wide logger, creating an INFO/stdout one on
// first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = New(Config{Level: "INFO", Output: "stdout"})
		}
	})
	return defaultLogger
}

// SetDefault replaces the process-wide logger. Call before the first
// Default() use, typically from main.
func SetDefault(l *Logger) {
	defaultLogger = l
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		mu:        l.mu,
		out:       l.out,
		level:     l.level,
		component: l.component,
		fields:    fields,
		err:       l.err,
	}
}

// WithComponent returns a copy tagged with the component name.
func (l *Logger) WithComponent(name string) *Logger {
	c := l.clone()
	c.component = name
	return c
}

// WithField returns a copy carrying an extra structured field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	c := l.clone()
	c.fields[key] = value
	return c
}

// WithError returns a copy carrying the error string. A nil error returns
// the receiver unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	c := l.clone()
	c.err = err.Error()
	return c
}

// log assembles and writes one entry. kv is interpreted as alternating
// key/value pairs; a dangling key is recorded with a nil value.
func (l *Logger) log(level Level, msg string, kv ...interface{}) {
	if level < l.level {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Component: l.component,
		Message:   msg,
		Error:     l.err,
	}

	if len(l.fields) > 0 || len(kv) > 0 {
		entry.Fields = make(map[string]interface{}, len(l.fields)+len(kv)/2+1)
		for k, v := range l.fields {
			entry.Fields[k] = v
		}
	}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		if i+1 >= len(kv) {
			entry.Fields[key] = nil
			break
		}
		if err, isErr := kv[i+1].(error); isErr && err != nil {
			entry.Fields[key] = err.Error()
			continue
		}
		entry.Fields[key] = kv[i+1]
	}

	line, err := json.Marshal(entry)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"timestamp":%q,"level":%q,"message":%q}`,
			entry.Timestamp, entry.Level, entry.Message))
	}

	l.mu.Lock()
	fmt.Fprintln(l.out, string(line))
	l.mu.Unlock()
}

// Debug logs at DEBUG level with optional key/value pairs.
func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(LevelDebug, msg, kv...) }

// Info logs at INFO level with optional key/value pairs.
func (l *Logger) Info(msg string, kv ...interface{}) { l.log(LevelInfo, msg, kv...) }

// Warn logs at WARN level with optional key/value pairs.
func (l *Logger) Warn(msg string, kv ...interface{}) { l.log(LevelWarn, msg, kv...) }

// Error logs at ERROR level with optional key/value pairs.
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(LevelError, msg, kv...) }

// Fatal logs at FATAL level and terminates the process.
func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.log(LevelFatal, msg, kv...)
	os.Exit(1)
}

// Package-level helpers against the default logger.

func Debug(msg string, kv ...interface{}) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { Default().Error(msg, kv...) }

// WithComponent returns a component-tagged copy of the default logger.
func WithComponent(name string) *Logger { return Default().WithComponent(name) }
