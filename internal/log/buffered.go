package log

import (
	"log/slog"
	"strings"
	"sync"
)

const initialLogSize = 255

// BufferedLogger accumulates log lines written to it (via Write, so it can
// stand in for a goroutine's stdout/stderr) and only forwards them to the
// real logger when explicitly flushed. The source runner (internal/source)
// uses one per driver goroutine: a source implementation's open/fillBuffer
// may write diagnostic text through it, and the runner decides whether that
// text is worth surfacing (e.g. only flush at Error level if the source
// failed to open) without blocking the driver loop on a shared logger's
// mutex on every line.
type BufferedLogger struct {
	mu      sync.Mutex
	logger  *slog.Logger
	builder strings.Builder
	logs    []string
}

// NewBufferedLogger returns a BufferedLogger that flushes to logger. A nil
// logger makes Write a no-op sink (useful for sources run in tests).
func NewBufferedLogger(logger *slog.Logger) *BufferedLogger {
	return &BufferedLogger{logger: logger}
}

// Write implements io.Writer, buffering p as a line without touching the
// underlying logger.
func (b *BufferedLogger) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logger == nil {
		return len(p), nil
	}
	n, err := b.builder.Write(p)
	if b.logs == nil {
		b.logs = make([]string, 0, initialLogSize)
	}
	b.logs = append(b.logs, b.builder.String())
	b.builder.Reset()
	return n, err
}

// FlushAtError emits the buffered lines at Error level and clears the
// buffer. Used when a source's open() fails (spec §4.B invariant iii).
func (b *BufferedLogger) FlushAtError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logger == nil {
		return
	}
	for _, line := range b.logs {
		b.logger.Error(line)
	}
	b.logs = nil
}

// FlushAtDebug emits the buffered lines at Debug level and clears the
// buffer. Used on normal source shutdown.
func (b *BufferedLogger) FlushAtDebug() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logger == nil {
		return
	}
	for _, line := range b.logs {
		b.logger.Debug(line)
	}
	b.logs = nil
}
