// Package logger is a small leveled logger in the style SPEC_FULL.md's
// ambient stack calls for: a process-wide Notice/Debug sink that every
// other package writes through, with no dependency on what's listening.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// A Logger is a fairly minimal logging tool.
type Logger interface {
	// Notice is for messages the operator should see.
	Notice(msg string)
	// Debug is for messages useful when debugging the daemon itself.
	Debug(msg string)
}

type nullLogger struct{}

func (nullLogger) Notice(string) {}
func (nullLogger) Debug(string)  {}

// NullLogger discards everything.
var NullLogger = nullLogger{}

var logger Logger = NullLogger

// Panicf notifies, then panics.
func Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	logger.Notice("PANIC " + msg)
	panic(msg)
}

// Noticef notifies the operator of something.
func Noticef(format string, v ...interface{}) {
	logger.Notice(fmt.Sprintf(format, v...))
}

// Debugf records something in the debug log.
func Debugf(format string, v ...interface{}) {
	logger.Debug(fmt.Sprintf(format, v...))
}

// MockLogger replaces the global logger with one backed by buf, returning
// a restore function; for tests.
func MockLogger(prefix string) (buf *bytes.Buffer, restore func()) {
	buf = &bytes.Buffer{}
	old := logger
	SetLogger(New(buf, prefix))
	return buf, func() { SetLogger(old) }
}

// SetLogger installs l as the global logger. Call before any log line is
// written from another goroutine.
func SetLogger(l Logger) { logger = l }

type defaultLogger struct {
	w      io.Writer
	prefix string

	buf []byte
	mu  sync.Mutex
}

// Debug only prints if VIGILD_DEBUG is set to 1, matching the rest of the
// ambient stack's convention of gating verbose output behind an
// environment variable rather than a config flag.
func (l *defaultLogger) Debug(msg string) {
	if os.Getenv("VIGILD_DEBUG") == "1" {
		l.Notice("DEBUG " + msg)
	}
}

// Notice timestamps and writes msg.
func (l *defaultLogger) Notice(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = l.buf[:0]
	now := time.Now().UTC()
	l.buf = now.AppendFormat(l.buf, timestampFormat)
	l.buf = append(l.buf, ' ')
	l.buf = append(l.buf, l.prefix...)
	l.buf = append(l.buf, msg...)
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		l.buf = append(l.buf, '\n')
	}
	l.w.Write(l.buf)
}

// New creates a Logger writing timestamped lines to w, each prefixed with
// prefix.
func New(w io.Writer, prefix string) Logger {
	return &defaultLogger{w: w, prefix: prefix}
}
