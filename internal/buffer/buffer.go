// Package buffer implements the tuple-buffer runtime (spec §4.A): pooled
// fixed-size byte buffers, reference-counted sharing, and per-worker local
// pools drawn from a global pool.
package buffer

import (
	"sync/atomic"

	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// control is the shared, refcounted backing store for one TupleBuffer slot.
// It is never freed once allocated by the Pool; when its refcount reaches
// zero it is returned to origin for reuse (spec §3 invariant iii).
type control struct {
	data   []byte
	origin *Pool
	refs   int32

	originID       types.OriginId
	sequenceNumber types.SequenceNumber
	chunkNumber    types.ChunkNumber
	isLastChunk    bool
	watermarkTS    types.Timestamp
	creationTS     int64
	numberOfTuples uint64
	children       []TupleBuffer
}

func (c *control) reset() {
	c.originID = types.InvalidOriginId
	c.sequenceNumber = 0
	c.chunkNumber = 0
	c.isLastChunk = false
	c.watermarkTS = 0
	c.creationTS = 0
	c.numberOfTuples = 0
	c.children = nil
}

// TupleBuffer is a reference-counted view onto a fixed-size aligned byte
// region drawn from a Pool (spec §3). Copying a TupleBuffer value does not
// copy the backing bytes; use Retain/Release to manage the shared refcount
// explicitly, the way the Rust/C++ original manages it via RAII.
type TupleBuffer struct {
	c *control
}

// Zero reports whether this TupleBuffer holds no backing control block.
func (b TupleBuffer) Zero() bool { return b.c == nil }

// Bytes returns the full fixed-size backing region. Writers are expected to
// respect the Schema's tuple stride; nothing here enforces it beyond bounds
// checks performed by internal/layout.
func (b TupleBuffer) Bytes() []byte { return b.c.data }

// Size is the pool's configured buffer size (spec §3 invariant i).
func (b TupleBuffer) Size() int { return len(b.c.data) }

func (b TupleBuffer) OriginID() types.OriginId             { return b.c.originID }
func (b TupleBuffer) SequenceNumber() types.SequenceNumber { return b.c.sequenceNumber }
func (b TupleBuffer) ChunkNumber() types.ChunkNumber        { return b.c.chunkNumber }
func (b TupleBuffer) IsLastChunk() bool                     { return b.c.isLastChunk }
func (b TupleBuffer) WatermarkTS() types.Timestamp           { return b.c.watermarkTS }
func (b TupleBuffer) CreationTS() int64                      { return b.c.creationTS }
func (b TupleBuffer) NumberOfTuples() uint64                 { return b.c.numberOfTuples }
func (b TupleBuffer) Children() []TupleBuffer                { return b.c.children }

func (b TupleBuffer) SetOriginID(id types.OriginId)                 { b.c.originID = id }
func (b TupleBuffer) SetSequenceNumber(sn types.SequenceNumber)      { b.c.sequenceNumber = sn }
func (b TupleBuffer) SetChunkNumber(cn types.ChunkNumber)            { b.c.chunkNumber = cn }
func (b TupleBuffer) SetLastChunk(v bool)                            { b.c.isLastChunk = v }
func (b TupleBuffer) SetWatermarkTS(ts types.Timestamp)              { b.c.watermarkTS = ts }
func (b TupleBuffer) SetCreationTS(ts int64)                         { b.c.creationTS = ts }
func (b TupleBuffer) SetNumberOfTuples(n uint64)                     { b.c.numberOfTuples = n }
func (b TupleBuffer) AddChild(child TupleBuffer)                     { b.c.children = append(b.c.children, child) }

// Retain increments the refcount, returning the same logical buffer. Every
// holder of a TupleBuffer that stores it beyond the scope it received it in
// must Retain first and Release when done.
func (b TupleBuffer) Retain() TupleBuffer {
	atomic.AddInt32(&b.c.refs, 1)
	return b
}

// Release decrements the refcount; at zero the buffer returns to its origin
// pool (spec §3 invariant iii) rather than being freed.
func (b TupleBuffer) Release() {
	if b.c == nil {
		return
	}
	if atomic.AddInt32(&b.c.refs, -1) == 0 {
		for _, child := range b.c.children {
			child.Release()
		}
		b.c.reset()
		b.c.origin.reclaim(b.c)
	}
}

// RefCount returns the current live reference count, for tests and leak
// accounting (testable property 4).
func (b TupleBuffer) RefCount() int32 { return atomic.LoadInt32(&b.c.refs) }
