package emq

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// LogLevel represents the logging level.
type LogLevel int32

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the info log level.
	LogLevelInfo
	// LogLevelWarn is the warn log level.
	LogLevelWarn
	// LogLevelError is the error log level.
	LogLevelError
	// LogLevelNone disables all logging.
	LogLevelNone
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a level name such as "info" or "WARN" to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LogLevelDebug, nil
	case "INFO", "":
		return LogLevelInfo, nil
	case "WARN", "WARNING":
		return LogLevelWarn, nil
	case "ERROR":
		return LogLevelError, nil
	case "NONE", "OFF":
		return LogLevelNone, nil
	}
	return LogLevelNone, fmt.Errorf("unknown log level %q", s)
}

// LogFields represents key-value pairs for structured logging.
type LogFields map[string]any

// Logger defines the interface for logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, fields LogFields)

	// Info logs an info message.
	Info(msg string, fields LogFields)

	// Warn logs a warning message.
	Warn(msg string, fields LogFields)

	// Error logs an error message.
	Error(msg string, fields LogFields)

	// WithFields returns a new logger with the given fields added.
	WithFields(fields LogFields) Logger

	// Level returns the current log level.
	Level() LogLevel

	// SetLevel sets the log level.
	SetLevel(level LogLevel)
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct {
	level atomic.Int32
}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() *NoOpLogger {
	n := &NoOpLogger{}
	n.level.Store(int32(LogLevelNone))
	return n
}

func (n *NoOpLogger) Debug(_ string, _ LogFields) {}
func (n *NoOpLogger) Info(_ string, _ LogFields)  {}
func (n *NoOpLogger) Warn(_ string, _ LogFields)  {}
func (n *NoOpLogger) Error(_ string, _ LogFields) {}

// WithFields returns the same logger.
func (n *NoOpLogger) WithFields(_ LogFields) Logger {
	return n
}

// Level returns the log level.
func (n *NoOpLogger) Level() LogLevel {
	return LogLevel(n.level.Load())
}

// SetLevel sets the log level.
func (n *NoOpLogger) SetLevel(level LogLevel) {
	n.level.Store(int32(level))
}

// StdLogger writes levelled lines through the standard library log package.
// Fields are printed as key=value pairs in key order.
// Loggers derived with WithFields share the level of their parent.
type StdLogger struct {
	logger *log.Logger
	level  *atomic.Int32
	fields LogFields
}

// NewStdLogger creates a new standard library based logger.
func NewStdLogger(w io.Writer, level LogLevel) *StdLogger {
	if w == nil {
		w = os.Stderr
	}
	l := &StdLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  &atomic.Int32{},
		fields: make(LogFields),
	}
	l.level.Store(int32(level))
	return l
}

// Debug logs a debug message.
func (s *StdLogger) Debug(msg string, fields LogFields) {
	s.logAt(LogLevelDebug, msg, fields)
}

// Info logs an info message.
func (s *StdLogger) Info(msg string, fields LogFields) {
	s.logAt(LogLevelInfo, msg, fields)
}

// Warn logs a warning message.
func (s *StdLogger) Warn(msg string, fields LogFields) {
	s.logAt(LogLevelWarn, msg, fields)
}

// Error logs an error message.
func (s *StdLogger) Error(msg string, fields LogFields) {
	s.logAt(LogLevelError, msg, fields)
}

// WithFields returns a new logger with the given fields added.
func (s *StdLogger) WithFields(fields LogFields) Logger {
	return &StdLogger{
		logger: s.logger,
		level:  s.level,
		fields: mergeFields(s.fields, fields),
	}
}

// Level returns the current log level.
func (s *StdLogger) Level() LogLevel {
	return LogLevel(s.level.Load())
}

// SetLevel sets the log level.
func (s *StdLogger) SetLevel(level LogLevel) {
	s.level.Store(int32(level))
}

func (s *StdLogger) logAt(level LogLevel, msg string, fields LogFields) {
	if level < s.Level() {
		return
	}

	all := mergeFields(s.fields, fields)
	if len(all) == 0 {
		s.logger.Printf("[%s] %s", level, msg)
		return
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteByte('=')
		fmt.Fprint(&sb, all[k])
	}

	s.logger.Printf("[%s] %s%s", level, msg, sb.String())
}

func mergeFields(a, b LogFields) LogFields {
	out := make(LogFields, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Standard field names.
const (
	LogFieldClientID   = "client_id"
	LogFieldCommand    = "command"
	LogFieldName       = "name"
	LogFieldTag        = "tag"
	LogFieldStatus     = "status"
	LogFieldRequestID  = "request_id"
	LogFieldError      = "error"
	LogFieldRemoteAddr = "remote_addr"
	LogFieldDuration   = "duration"
	LogFieldBytes      = "bytes"
)
