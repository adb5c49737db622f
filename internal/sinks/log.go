// Package sinks provides concrete plan.Sink collaborators. Per spec §1
// physical sinks are otherwise out of scope (the engine plumbs buffers to
// a Sink interface and stops there); the two sinks here are thin example
// adapters, not a general sink framework.
package sinks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/log"
)

var logger = log.For("sinks")

// LogSink writes a one-line summary of every buffer it receives to the
// component logger. Useful for query debugging and as the default sink in
// tests and examples.
type LogSink struct {
	Name string

	mu    sync.Mutex
	count uint64
}

// NewLogSink builds a LogSink identified by name in its log lines.
func NewLogSink(name string) *LogSink {
	return &LogSink{Name: name}
}

func (s *LogSink) Open() error {
	logger.Info("log sink opened", "sink", s.Name)
	return nil
}

func (s *LogSink) Write(_ context.Context, buf buffer.TupleBuffer) error {
	n := atomic.AddUint64(&s.count, 1)
	logger.Info("log sink received buffer", "sink", s.Name, "seq", n, "num_tuples", buf.NumberOfTuples(), "bytes", len(buf.Bytes()))
	return nil
}

func (s *LogSink) Close() error {
	logger.Info("log sink closed", "sink", s.Name, "total_buffers", atomic.LoadUint64(&s.count))
	return nil
}
