package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"
)

const logDirEnvVar = "MEDIAMILL_LOG_DIR"

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	baseOnce sync.Once
	baseFile *os.File
	baseLog  *log.Logger
)

// fileLogger writes component-tagged lines to the shared mediamill log file
// and mirrors WARN/ERROR to stderr.
type fileLogger struct {
	component string
	level     LogLevel
}

func sharedLogger() *log.Logger {
	baseOnce.Do(func() {
		dir := os.Getenv(logDirEnvVar)
		if dir == "" {
			dir = os.TempDir()
		}
		path := filepath.Join(dir, "mediamill.log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			baseLog = log.New(os.Stderr, "", 0)
			return
		}
		baseFile = file
		baseLog = log.New(file, "", 0)
	})
	return baseLog
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &fileLogger{component: component, level: DEBUG}
}

func (l *fileLogger) logf(level LogLevel, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05.000"), level, l.component, msg)
	sharedLogger().Println(line)
	if level >= WARN {
		fmt.Fprintln(os.Stderr, line)
	}
}

func (l *fileLogger) Debug(format string, args ...any) { l.logf(DEBUG, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.logf(INFO, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.logf(WARN, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.logf(ERROR, format, args...) }
