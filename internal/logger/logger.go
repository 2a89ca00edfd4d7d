// Package logger writes service logs asynchronously so that a slow stderr never
// stalls a connection goroutine. Messages carry the service prefix and a level;
// slow calls can be reported with DeferLogDuration.
package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	asyncBufferSize   = 8192
	slowCallThreshold = 100 * time.Millisecond
)

// Level is the minimum severity that is written.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu       sync.RWMutex
	prefix   string
	logLevel = LevelInfo
	ch       chan string
	once     sync.Once
)

// ParseLevel maps "debug", "info", "warn", "error" to a Level. Unknown values mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel changes the minimum level for subsequent calls.
func SetLevel(l Level) {
	mu.Lock()
	logLevel = l
	mu.Unlock()
}

// SetPrefix sets the service tag, e.g. "api".
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

func enabled(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return l >= logLevel
}

func tag() string {
	mu.RLock()
	defer mu.RUnlock()
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

func startWorker() {
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
		}
	}()
}

func enqueue(l Level, label, msg string) {
	if !enabled(l) {
		return
	}
	once.Do(startWorker)
	select {
	case ch <- tag() + label + msg:
	default:
		// buffer full: drop
	}
}

func Debugf(format string, v ...any) { enqueue(LevelDebug, "DEBUG: ", fmt.Sprintf(format, v...)) }

func Info(v ...any) { enqueue(LevelInfo, "", fmt.Sprint(v...)) }

func Infof(format string, v ...any) { enqueue(LevelInfo, "", fmt.Sprintf(format, v...)) }

func Warnf(format string, v ...any) { enqueue(LevelWarn, "WARN: ", fmt.Sprintf(format, v...)) }

func Error(v ...any) { enqueue(LevelError, "ERROR: ", fmt.Sprint(v...)) }

func Errorf(format string, v ...any) { enqueue(LevelError, "ERROR: ", fmt.Sprintf(format, v...)) }

// LogDuration reports fn and its elapsed time. At info level only calls slower
// than 100ms are written; at debug level every call is.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed < slowCallThreshold && !enabled(LevelDebug) {
		return
	}
	enqueue(LevelInfo, "", fmt.Sprintf("fn=%s duration_ms=%d", fn, elapsed.Milliseconds()))
}

// DeferLogDuration is meant for defer: defer logger.DeferLogDuration("msgRepo.Create", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
