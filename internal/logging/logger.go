package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
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

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	rootInstance *root
	rootOnce     sync.Once
)

// root owns the shared log file handle; component loggers share it.
type root struct {
	file   *os.File
	logger *log.Logger
	level  Level
	mu     sync.Mutex
	out    io.Writer
}

func getRoot() *root {
	rootOnce.Do(func() {
		rootInstance = newRoot(DEBUG)
	})
	return rootInstance
}

func newRoot(level Level) *root {
	r := &root{level: level, out: os.Stdout}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("Failed to get home directory: %v", err)
		return r
	}

	logPath := filepath.Join(home, "cloudwork-debug.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return r
	}

	r.file = file
	r.logger = log.New(file, "", 0) // We format ourselves
	return r
}

// SetLevel sets the minimum level for all component loggers.
func SetLevel(level Level) {
	r := getRoot()
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

// Close closes the shared log file.
func Close() error {
	r := getRoot()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// componentLogger scopes log lines to a named component.
type componentLogger struct {
	root      *root
	component string
}

// NewComponentLogger creates a logger for a specific component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{root: getRoot(), component: component}
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	r := l.root
	r.mu.Lock()
	defer r.mu.Unlock()

	if level < r.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [Component] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "CLOUDWORK"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), component, file, line, message)

	if r.logger != nil {
		r.logger.Print(logLine)
	}
	fmt.Fprint(r.out, logLine)
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.log(DEBUG, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.log(INFO, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.log(WARN, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.log(ERROR, format, args...)
}

func levelToString(level Level) string {
	switch level {
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
