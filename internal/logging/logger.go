package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than the concrete logger so
// tests can substitute a no-op or recording implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
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

var (
	rootInstance *root
	rootOnce     sync.Once
)

// root is the shared sink every component logger writes through.
type root struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	level Level
}

func getRoot() *root {
	rootOnce.Do(func() {
		rootInstance = &root{out: os.Stderr, level: levelFromEnv()}
		if path := os.Getenv("RELAY_LOG_FILE"); path != "" {
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				log.Printf("logging: failed to open %s: %v", path, err)
			} else {
				rootInstance.file = file
				rootInstance.out = io.MultiWriter(os.Stderr, file)
			}
		}
	})
	return rootInstance
}

func levelFromEnv() Level {
	switch strings.ToLower(os.Getenv("RELAY_LOG_LEVEL")) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel sets the minimum level for the shared sink.
func SetLevel(level Level) {
	r := getRoot()
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

// ComponentLogger writes level-filtered lines tagged with a component name.
type ComponentLogger struct {
	root      *root
	component string
}

// NewComponentLogger creates a logger for a specific component.
func NewComponentLogger(component string) *ComponentLogger {
	return &ComponentLogger{root: getRoot(), component: component}
}

func (l *ComponentLogger) log(level Level, format string, args ...any) {
	r := l.root
	r.mu.Lock()
	defer r.mu.Unlock()
	if level < r.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	caller := "???"
	if ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(r.out, "%s [%s] [%s] %s %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"), level, l.component, caller, msg)
}

func (l *ComponentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *ComponentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *ComponentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *ComponentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
