package buffer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nebulastream/nebulastream-sub027/internal/errs"
)

// Pool is a global, fixed-size buffer pool (spec §4.A). All buffers it
// hands out are exactly BufferSize bytes. The pool survives shutdown even
// while buffers remain outstanding: Shutdown only stops new allocations,
// it never invalidates buffers already held by callers.
type Pool struct {
	bufferSize int
	free       chan *control
	closed     chan struct{}
}

// NewPool allocates a pool of numBuffers buffers of bufferSize bytes each,
// matching number_of_buffers_in_global_pool / buffer_size_bytes (spec §6).
func NewPool(numBuffers, bufferSize int) *Pool {
	p := &Pool{
		bufferSize: bufferSize,
		free:       make(chan *control, numBuffers),
		closed:     make(chan struct{}),
	}
	for i := 0; i < numBuffers; i++ {
		c := &control{data: make([]byte, bufferSize), origin: p}
		c.reset()
		p.free <- c
	}
	return p
}

// BufferSize returns the pool's fixed per-buffer size.
func (p *Pool) BufferSize() int { return p.bufferSize }

// GetBufferBlocking suspends the caller until a buffer is free, or fails if
// the pool is shut down or ctx is canceled first (spec §4.A). Buffers
// returned have number_of_tuples = 0, unspecified contents, fresh metadata.
func (p *Pool) GetBufferBlocking(ctx context.Context) (TupleBuffer, error) {
	select {
	case c, ok := <-p.free:
		if !ok {
			return TupleBuffer{}, errs.New(errs.BufferPoolExhausted, 0, fmt.Errorf("pool shut down"))
		}
		c.refs = 1
		return TupleBuffer{c: c}, nil
	case <-p.closed:
		return TupleBuffer{}, errs.New(errs.BufferPoolExhausted, 0, fmt.Errorf("pool shut down"))
	case <-ctx.Done():
		return TupleBuffer{}, ctx.Err()
	}
}

// GetBufferNonBlocking returns (buffer, true) if one is immediately
// available, or (zero, false) otherwise; it never blocks.
func (p *Pool) GetBufferNonBlocking() (TupleBuffer, bool) {
	select {
	case c, ok := <-p.free:
		if !ok {
			return TupleBuffer{}, false
		}
		c.refs = 1
		return TupleBuffer{c: c}, true
	default:
		return TupleBuffer{}, false
	}
}

// reclaim returns a zero-refcount control block to the free list.
func (p *Pool) reclaim(c *control) {
	select {
	case p.free <- c:
	case <-p.closed:
		// Pool shut down after the last holder released; drop silently,
		// the backing array is garbage collected normally in Go (unlike
		// the native engine, there is no manual free to skip).
	}
}

// Shutdown stops new allocations. Buffers already outstanding remain valid
// until their holders Release them; reclaim then drops them instead of
// requeuing.
func (p *Pool) Shutdown() {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}

// Available reports the number of buffers immediately obtainable, for
// diagnostics and tests.
func (p *Pool) Available() int { return len(p.free) }

// FixedSizeBufferPool is a per-worker (or per-source) sub-pool that
// reserves n buffers drawn from the global pool up front, so a busy worker
// can never be starved by another worker exhausting the shared pool (spec
// §4.A create_fixed_size_pool, §5 "each source also has a reserved local
// pool to avoid starvation").
type FixedSizeBufferPool struct {
	global    *Pool
	reserved  []*control
	local     chan *control
}

// CreateFixedSizeBufferPool reserves n buffers from global for exclusive
// local use.
func (p *Pool) CreateFixedSizeBufferPool(ctx context.Context, n int) (*FixedSizeBufferPool, error) {
	fp := &FixedSizeBufferPool{global: p, local: make(chan *control, n)}
	for i := 0; i < n; i++ {
		b, err := p.GetBufferBlocking(ctx)
		if err != nil {
			fp.Destroy()
			return nil, fmt.Errorf("reserving local pool buffer %d/%d: %w", i+1, n, err)
		}
		c := b.c
		c.origin = (*Pool)(nil) // reassigned below once wrapped
		fp.reserved = append(fp.reserved, c)
	}
	// Buffers reclaim to the local pool, not the global one, until Destroy.
	localPool := &Pool{bufferSize: p.bufferSize, free: fp.local, closed: make(chan struct{})}
	for _, c := range fp.reserved {
		c.origin = localPool
		c.refs = 0
		fp.local <- c
	}
	fp.global = p
	return fp, nil
}

// GetBufferBlocking draws from the local reservation only.
func (fp *FixedSizeBufferPool) GetBufferBlocking(ctx context.Context) (TupleBuffer, error) {
	select {
	case c, ok := <-fp.local:
		if !ok {
			return TupleBuffer{}, errs.New(errs.BufferPoolExhausted, 0, fmt.Errorf("local pool destroyed"))
		}
		c.refs = 1
		return TupleBuffer{c: c}, nil
	case <-ctx.Done():
		return TupleBuffer{}, ctx.Err()
	}
}

// GetBufferNonBlocking draws from the local reservation without blocking.
func (fp *FixedSizeBufferPool) GetBufferNonBlocking() (TupleBuffer, bool) {
	select {
	case c, ok := <-fp.local:
		if !ok {
			return TupleBuffer{}, false
		}
		c.refs = 1
		return TupleBuffer{c: c}, true
	default:
		return TupleBuffer{}, false
	}
}

// Destroy returns all reserved buffers to the global pool. Buffers still
// outstanding at the time of the call are returned to the global pool as
// their holders Release them, since reclaim on the per-pool control still
// points at the local pool's channel until this reassigns origin.
func (fp *FixedSizeBufferPool) Destroy() {
	close(fp.local)
	for _, c := range fp.reserved {
		c.origin = fp.global
		if atomic.LoadInt32(&c.refs) > 0 {
			continue
		}
		select {
		case fp.global.free <- c:
		default:
		}
	}
}
