// Package servicelog backs the LOGGED and OWNER console policies (spec.md
// §3's Console field): each such job instance gets a bounded in-memory
// ring of its console output, read in-process through the dispatcher's
// Tail. No control-socket message carries it.
package servicelog

import (
	"bytes"
	"io"
	"sync"
)

// defaultCapacity bounds a single job's buffered output. Chosen to hold a
// few thousand lines of typical log chatter without growing unbounded.
const defaultCapacity = 64 * 1024

// Log is a fixed-capacity io.Writer: once full, the oldest bytes are
// discarded to make room for new writes. Safe for concurrent Write and
// Tail calls.
type Log struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
}

// New returns an empty Log with room for capacity bytes. A capacity of 0
// uses defaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{cap: capacity}
}

var _ io.Writer = (*Log)(nil)

// Write appends p, trimming from the front if the result would exceed the
// configured capacity. Never returns an error or a short write.
func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	if over := len(l.buf) - l.cap; over > 0 {
		l.buf = l.buf[over:]
	}
	return len(p), nil
}

// Tail returns a copy of the last n bytes currently buffered (or fewer, if
// the log holds less). n <= 0 returns the entire buffer.
func (l *Log) Tail(n int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if n > 0 && n < len(l.buf) {
		start = len(l.buf) - n
	}
	out := make([]byte, len(l.buf)-start)
	copy(out, l.buf[start:])
	return out
}

// Lines splits the current buffer on newlines, dropping a trailing empty
// element from a terminating newline.
func (l *Log) Lines() []string {
	tail := l.Tail(0)
	lines := bytes.Split(bytes.TrimRight(tail, "\n"), []byte("\n"))
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		if len(ln) == 0 && len(lines) == 1 {
			continue
		}
		out = append(out, string(ln))
	}
	return out
}
