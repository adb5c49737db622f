package buffer

import (
	"context"
	"testing"

	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// TestPoolBufferContract checks spec §4.A's contract: buffers returned have
// number_of_tuples = 0 and fresh metadata, and size is exactly the pool's
// configured buffer size (spec §3 invariant i).
func TestPoolBufferContract(t *testing.T) {
	p := NewPool(2, 64)
	b, err := p.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatalf("GetBufferBlocking: %v", err)
	}
	if b.Size() != 64 {
		t.Fatalf("Size() = %d, want 64", b.Size())
	}
	if b.NumberOfTuples() != 0 {
		t.Fatalf("NumberOfTuples() = %d, want 0", b.NumberOfTuples())
	}
	if b.OriginID() != types.InvalidOriginId {
		t.Fatalf("fresh buffer OriginID = %v, want InvalidOriginId", b.OriginID())
	}
	b.Release()
}

// TestPoolRefcountReturnsOnRelease checks invariant iii: at refcount zero a
// buffer returns to its origin pool, never freed (property 4: allocated
// minus released equals live references).
func TestPoolRefcountReturnsOnRelease(t *testing.T) {
	p := NewPool(1, 16)
	if p.Available() != 1 {
		t.Fatalf("Available() = %d, want 1", p.Available())
	}
	b, err := p.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatalf("GetBufferBlocking: %v", err)
	}
	if p.Available() != 0 {
		t.Fatalf("Available() after acquire = %d, want 0", p.Available())
	}

	retained := b.Retain()
	if retained.RefCount() != 2 {
		t.Fatalf("RefCount after Retain = %d, want 2", retained.RefCount())
	}
	b.Release()
	if p.Available() != 0 {
		t.Fatalf("Available() after one of two releases = %d, want 0 (still held)", p.Available())
	}
	retained.Release()
	if p.Available() != 1 {
		t.Fatalf("Available() after final release = %d, want 1", p.Available())
	}
}

// TestPoolGetBufferNonBlockingExhausted exercises spec §4.A's
// get_buffer_nonblocking Option<TupleBuffer> contract when the pool is
// empty.
func TestPoolGetBufferNonBlockingExhausted(t *testing.T) {
	p := NewPool(1, 16)
	b1, ok := p.GetBufferNonBlocking()
	if !ok {
		t.Fatalf("expected a buffer on first non-blocking get")
	}
	_, ok = p.GetBufferNonBlocking()
	if ok {
		t.Fatalf("expected pool exhaustion on second non-blocking get")
	}
	b1.Release()
	b2, ok := p.GetBufferNonBlocking()
	if !ok {
		t.Fatalf("expected a buffer to be available again after release")
	}
	b2.Release()
}

// TestPoolSurvivesShutdownWithOutstandingBuffer checks spec §4.A: "the
// manager must survive shutdown even while buffers are still outstanding".
func TestPoolSurvivesShutdownWithOutstandingBuffer(t *testing.T) {
	p := NewPool(1, 16)
	b, err := p.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatalf("GetBufferBlocking: %v", err)
	}
	p.Shutdown()

	// The outstanding buffer remains a valid view until released, even
	// though the pool underneath it has already been shut down.
	b.SetNumberOfTuples(3)
	if b.NumberOfTuples() != 3 {
		t.Fatalf("buffer unusable after pool shutdown while still held")
	}
	b.Release() // must not panic even though the pool is shut down
}

// TestPoolRejectsAcquireAfterShutdown checks that an empty, shut-down pool
// fails rather than blocks forever.
func TestPoolRejectsAcquireAfterShutdown(t *testing.T) {
	p := NewPool(1, 16)
	b, err := p.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatalf("GetBufferBlocking: %v", err)
	}
	_ = b // hold it so the pool has nothing left to hand out
	p.Shutdown()
	if _, err := p.GetBufferBlocking(context.Background()); err == nil {
		t.Fatalf("expected GetBufferBlocking to fail on an empty, shut-down pool")
	}
}

// TestFixedSizeBufferPoolIsolated checks create_fixed_size_pool (spec
// §4.A): a per-worker sub-pool reserved from the global pool, usable
// independently of the global pool's remaining capacity.
func TestFixedSizeBufferPoolIsolated(t *testing.T) {
	global := NewPool(4, 16)
	fp, err := global.CreateFixedSizeBufferPool(context.Background(), 2)
	if err != nil {
		t.Fatalf("CreateFixedSizeBufferPool: %v", err)
	}
	if global.Available() != 2 {
		t.Fatalf("global.Available() after reserving 2/4 = %d, want 2", global.Available())
	}

	b1, err := fp.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatalf("local GetBufferBlocking: %v", err)
	}
	b2, err := fp.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatalf("local GetBufferBlocking: %v", err)
	}
	if _, ok := fp.GetBufferNonBlocking(); ok {
		t.Fatalf("expected local pool to be exhausted at capacity 2")
	}
	// Global pool's own remaining capacity is untouched by local exhaustion.
	if global.Available() != 2 {
		t.Fatalf("global.Available() while local pool exhausted = %d, want 2", global.Available())
	}

	b1.Release()
	b2.Release()
	fp.Destroy()
}
