package main

import (
	"context"
	"encoding/binary"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
)

// counterSource is a minimal synthetic source.DataSource: it writes an
// incrementing uint64 counter into each buffer it is asked to fill, then
// reports end-of-stream after limit buffers. Stands in for a compiled
// physical source (e.g. a CSV or benchmark generator) so `serve` has
// something to run without depending on an external query compiler, which
// is out of scope (spec §1 Non-goals).
type counterSource struct {
	limit   int
	filled  int
	counter uint64
}

func newCounterSource(limit int) *counterSource {
	return &counterSource{limit: limit}
}

func (c *counterSource) Open(ctx context.Context) error { return nil }

func (c *counterSource) FillBuffer(ctx context.Context, buf buffer.TupleBuffer) (bool, error) {
	if c.filled >= c.limit {
		return false, nil
	}
	c.filled++
	bytes := buf.Bytes()
	n := len(bytes) / 8
	if n == 0 {
		n = 1
	}
	for i := 0; i < n && (i+1)*8 <= len(bytes); i++ {
		binary.LittleEndian.PutUint64(bytes[i*8:(i+1)*8], c.counter)
		c.counter++
	}
	buf.SetNumberOfTuples(uint64(n))
	return true, nil
}

func (c *counterSource) Close() error { return nil }

func (c *counterSource) Kind() string { return "counter" }
