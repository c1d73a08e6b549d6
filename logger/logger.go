// Package logger provides structured logging for Tagsistant.
//
// The logger supports multiple log levels (TRACE, DEBUG, INFO, WARN, ERROR)
// and annotates each line with the calling function, file and line number.
// Level checks are atomic so a disabled level costs a single load on the
// hot path (the resolver and deduplicator both log on every request/object).
//
// Log output format:
//
//	YYYY/MM/DD HH:MM:SS.ssssss [PID:GID] [LEVEL] function.file:line: message
package logger

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel is the severity of a log message; higher values are more severe.
type LogLevel int32

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	currentLevel atomic.Int32

	// traceSubsystems enables TRACE output for one component at a time, e.g.
	// "parser", "resolver", "dedup", "sqlstore" — without flooding output
	// from the rest of the system.
	traceSubsystems = make(map[string]bool)
	traceMutex      sync.RWMutex

	processID = os.Getpid()
	out       *log.Logger
)

func init() {
	out = log.New(os.Stdout, "", 0)
	currentLevel.Store(int32(INFO))
}

// SetLevel sets the minimum log level from its string name.
func SetLevel(level string) error {
	switch strings.ToUpper(level) {
	case "TRACE":
		currentLevel.Store(int32(TRACE))
	case "DEBUG":
		currentLevel.Store(int32(DEBUG))
	case "INFO":
		currentLevel.Store(int32(INFO))
	case "WARN":
		currentLevel.Store(int32(WARN))
	case "ERROR":
		currentLevel.Store(int32(ERROR))
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}
	return nil
}

// Level returns the current minimum log level's name.
func Level() string {
	return levelNames[LogLevel(currentLevel.Load())]
}

// EnableTrace turns on TRACE output for the named subsystems.
func EnableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, s := range subsystems {
		traceSubsystems[s] = true
	}
}

// DisableTrace turns off TRACE output for the named subsystems.
func DisableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, s := range subsystems {
		delete(traceSubsystems, s)
	}
}

func isTraceEnabled(subsystem string) bool {
	traceMutex.RLock()
	defer traceMutex.RUnlock()
	return traceSubsystems[subsystem]
}

func formatMessage(level LogLevel, skip int, format string, args ...interface{}) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "unknown"
		line = 0
	}
	if idx := strings.LastIndex(file, "/"); idx != -1 {
		file = file[idx+1:]
	}
	if idx := strings.LastIndex(file, ".go"); idx != -1 {
		file = file[:idx]
	}
	funcName := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		full := fn.Name()
		if idx := strings.LastIndex(full, "."); idx != -1 {
			funcName = full[idx+1:]
		}
	}
	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format("2006/01/02 15:04:05.000000")
	return fmt.Sprintf("%s [%d:%d] [%s] %s.%s:%d: %s",
		timestamp, processID, goroutineID(), levelNames[level], funcName, file, line, msg)
}

func goroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id := 0
	fmt.Sscanf(fields[1], "%d", &id)
	return id
}

func logMessage(level LogLevel, skip int, format string, args ...interface{}) {
	if level < LogLevel(currentLevel.Load()) {
		return
	}
	out.Println(formatMessage(level, skip, format, args...))
}

// TraceIf logs a trace message only if the named subsystem is enabled.
func TraceIf(subsystem string, format string, args ...interface{}) {
	if LogLevel(currentLevel.Load()) > TRACE || !isTraceEnabled(subsystem) {
		return
	}
	logMessage(TRACE, 3, "[%s] %s", subsystem, fmt.Sprintf(format, args...))
}

func Trace(format string, args ...interface{}) { logMessage(TRACE, 3, format, args...) }
func Debug(format string, args ...interface{}) { logMessage(DEBUG, 3, format, args...) }
func Info(format string, args ...interface{})  { logMessage(INFO, 3, format, args...) }
func Warn(format string, args ...interface{})  { logMessage(WARN, 3, format, args...) }
func Error(format string, args ...interface{}) { logMessage(ERROR, 3, format, args...) }

// Fatal logs at ERROR level and terminates the process.
func Fatal(format string, args ...interface{}) {
	out.Println(formatMessage(ERROR, 2, format, args...))
	os.Exit(1)
}

// Configure applies TAGSISTANT_LOG_LEVEL / TAGSISTANT_TRACE_SUBSYSTEMS from
// the environment. Called once at startup, before the mount loop begins.
func Configure() {
	if level := os.Getenv("TAGSISTANT_LOG_LEVEL"); level != "" {
		if err := SetLevel(level); err != nil {
			Warn("ignoring TAGSISTANT_LOG_LEVEL: %v", err)
		}
	}
	if trace := os.Getenv("TAGSISTANT_TRACE_SUBSYSTEMS"); trace != "" {
		subsystems := strings.Split(trace, ",")
		for i, s := range subsystems {
			subsystems[i] = strings.TrimSpace(s)
		}
		EnableTrace(subsystems...)
	}
}
