package durus

import (
	"log"
	"os"
)

// Logging levels, gated the way durus/logger.py gates logging.Logger
// levels before emitting anything.
const (
	LevelDebug = 10
	LevelInfo  = 20
	LevelWarn  = 30
	LevelError = 40
)

// Logger is the package's ambient logger. It wraps the stdlib log
// package the same way Jipok-go-persist wraps it in wal.go, with a
// settable threshold and an ErrorHandler hook for fatal conditions
// encountered off the caller's goroutine (background sync, packing).
type Logger struct {
	std          *log.Logger
	level        int
	ErrorHandler func(error)
}

// defaultLogger is used by every package-level helper (Log, Logf) so
// callers that never construct their own Logger still get output,
// matching durus/logger.py's module-level default handler pointed at
// stderr.
var defaultLogger = NewLogger(os.Stderr, LevelInfo)

// NewLogger returns a Logger writing to w, gated at level.
func NewLogger(w *os.File, level int) *Logger {
	l := &Logger{
		std:   log.New(w, "durus: ", log.LstdFlags),
		level: level,
	}
	l.ErrorHandler = func(err error) {
		l.std.Fatal(err)
	}
	return l
}

// IsLogging reports whether a message at level would be emitted,
// mirroring durus/logger.py's is_logging(level) guard used to skip
// expensive formatting on hot paths.
func (l *Logger) IsLogging(level int) bool {
	return level >= l.level
}

// SetLevel changes the logging threshold.
func (l *Logger) SetLevel(level int) {
	l.level = level
}

// Log emits msg if level meets the configured threshold.
func (l *Logger) Log(level int, msg string) {
	if l.IsLogging(level) {
		l.std.Println(msg)
	}
}

// Logf is the formatted counterpart of Log.
func (l *Logger) Logf(level int, format string, args ...interface{}) {
	if l.IsLogging(level) {
		l.std.Printf(format, args...)
	}
}

// Log and Logf are package-level convenience wrappers around the
// default logger.
func Log(level int, msg string)                            { defaultLogger.Log(level, msg) }
func Logf(level int, format string, args ...interface{})    { defaultLogger.Logf(level, format, args...) }
func SetLogLevel(level int)                                { defaultLogger.SetLevel(level) }
