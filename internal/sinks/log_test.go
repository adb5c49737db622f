package sinks

import (
	"context"
	"testing"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
)

func TestLogSink_OpenWriteClose(t *testing.T) {
	pool := buffer.NewPool(1, 64)
	buf, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatalf("GetBufferBlocking: %v", err)
	}
	buf.SetNumberOfTuples(3)

	s := NewLogSink("test")
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Write(context.Background(), buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(context.Background(), buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if s.count != 2 {
		t.Fatalf("expected count 2, got %d", s.count)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
