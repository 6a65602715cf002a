// Package logging provides a structured JSON logger shared by mockhsmd and
// hsmctl, with size-based rotation for file-backed output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Level represents logging severity.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string ("debug", "info", ...) to a Level,
// defaulting to INFO for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Fields represents structured log fields.
type Fields map[string]interface{}

// Entry is a single structured log entry.
type Entry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Caller     string                 `json:"caller,omitempty"`
	ClientID   string                 `json:"client_id,omitempty"`
	Component  string                 `json:"component,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
}

// Logger is a structured logger with JSON output and size-based rotation.
type Logger struct {
	mu          sync.RWMutex
	output      io.Writer
	level       Level
	fields      Fields
	logFile     *os.File
	logPath     string
	maxFileSize int64
	maxBackups  int
	component   string // e.g. "mockhsmd", "hsmctl", "cryptobridge"
}

// New creates a logger for component, writing to logPath (or stdout if
// logPath is empty).
func New(component string, level Level, logPath string) (*Logger, error) {
	logger := &Logger{
		level:       level,
		fields:      make(Fields),
		component:   component,
		logPath:     logPath,
		maxFileSize: 100 * 1024 * 1024,
		maxBackups:  10,
	}

	if logPath != "" {
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.logFile = file
		logger.output = file
	} else {
		logger.output = os.Stdout
	}

	return logger, nil
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// WithField returns a logger whose global context includes key=value in
// addition to the receiver's existing fields.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fields[key] = value
	return l
}

// WithClientID is a convenience wrapper around WithField for the common
// case of tagging every subsequent log line with an HSM client_id.
func (l *Logger) WithClientID(clientID uint32) *Logger {
	return l.WithField("client_id", clientID)
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	l.mu.RLock()
	currentLevel := l.level
	output := l.output
	globalFields := l.fields
	component := l.component
	l.mu.RUnlock()

	if level < currentLevel {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Fields:    make(map[string]interface{}),
		Component: component,
	}
	for k, v := range globalFields {
		entry.Fields[k] = v
	}
	for k, v := range fields {
		entry.Fields[k] = v
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	if level >= ERROR {
		entry.StackTrace = stackTrace(3)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(output, "ERROR: failed to marshal log entry: %v\n", err)
		return
	}
	fmt.Fprintf(output, "%s\n", data)

	l.rotateIfNeeded()

	if level == FATAL {
		l.Close()
		os.Exit(1)
	}
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(DEBUG, msg, firstOf(fields)) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(INFO, msg, firstOf(fields)) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(WARN, msg, firstOf(fields)) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(ERROR, msg, firstOf(fields)) }
func (l *Logger) Fatal(msg string, fields ...Fields) { l.log(FATAL, msg, firstOf(fields)) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DEBUG, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(INFO, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(WARN, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ERROR, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.log(FATAL, fmt.Sprintf(format, args...), nil) }

func firstOf(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

func (l *Logger) rotateIfNeeded() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil || l.logPath == "" {
		return
	}
	info, err := l.logFile.Stat()
	if err != nil || info.Size() < l.maxFileSize {
		return
	}

	l.logFile.Close()
	for i := l.maxBackups - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", l.logPath, i), fmt.Sprintf("%s.%d", l.logPath, i+1))
	}
	os.Rename(l.logPath, fmt.Sprintf("%s.1", l.logPath))

	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		l.output = os.Stdout
		return
	}
	l.logFile = file
	l.output = file
}

// Close releases the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// InitDefault initializes the global default logger. Only the first call
// takes effect; later calls are no-ops (matches the teacher's
// once.Do-guarded InitDefaultLogger).
func InitDefault(component string, level Level, logPath string) error {
	var err error
	once.Do(func() {
		defaultLogger, err = New(component, level, logPath)
	})
	return err
}

// GetDefault returns the global default logger, falling back to an
// unconfigured stdout logger if InitDefault was never called.
func GetDefault() *Logger {
	if defaultLogger == nil {
		defaultLogger, _ = New("default", INFO, "")
	}
	return defaultLogger
}

// Package-level helpers forward to the global default logger, for call
// sites that don't carry a *Logger of their own.

func Debug(msg string, fields ...Fields) { GetDefault().Debug(msg, fields...) }
func Info(msg string, fields ...Fields)  { GetDefault().Info(msg, fields...) }
func Warn(msg string, fields ...Fields)  { GetDefault().Warn(msg, fields...) }
func Error(msg string, fields ...Fields) { GetDefault().Error(msg, fields...) }
func Fatal(msg string, fields ...Fields) { GetDefault().Fatal(msg, fields...) }

func Debugf(format string, args ...interface{}) { GetDefault().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetDefault().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetDefault().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetDefault().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { GetDefault().Fatalf(format, args...) }

func stackTrace(skip int) string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	trace := ""
	for {
		frame, more := frames.Next()
		trace += fmt.Sprintf("\n  %s:%d %s", filepath.Base(frame.File), frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return trace
}
