// Package layout implements MemoryLayout (spec §3, §4.A): the mapping from
// (row_index, field_index) to a byte offset within a TupleBuffer, with
// typed field accessors that perform one bounds check per record index and
// compute offsets arithmetically rather than through a per-field map
// lookup on the hot path.
package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/linkedin/goavro"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/schema"
)

// varSizedCodec Avro-encodes a VariableSizedData field's payload before it
// is copied into its child buffer, and decodes it back on read (spec §4.A).
// A plain "bytes" schema is enough to get goavro's self-describing binary
// framing (its own embedded length, independent of this layout's own
// length-prefix slot) without inventing a record shape per caller.
var varSizedCodec = newVarSizedCodec()

func newVarSizedCodec() *goavro.Codec {
	codec, err := goavro.NewCodec(`{"type":"bytes"}`)
	if err != nil {
		panic(fmt.Sprintf("layout: building var-sized avro codec: %v", err))
	}
	return codec
}

// MemoryLayout computes field offsets for a Schema over TupleBuffers of a
// fixed capacity.
type MemoryLayout interface {
	// Offset returns the byte offset of (rowIndex, fieldIndex) within a
	// buffer governed by this layout.
	Offset(rowIndex, fieldIndex int) int
	// Capacity is the maximum number of records a buffer of bufferSize
	// bytes can hold under this layout.
	Capacity() int
	Schema() *schema.Schema
}

type rowLayout struct {
	sch        *schema.Schema
	tupleSize  int
	fieldOff   []int // cumulative byte offset of each field within a row
	capacity   int
}

// NewRowLayout builds a row-major layout: offset = rowIndex*tupleSize +
// fieldOffset (spec §3 MemoryLayout).
func NewRowLayout(s *schema.Schema, bufferSize int) MemoryLayout {
	offs := make([]int, len(s.Fields))
	cur := 0
	for i, f := range s.Fields {
		offs[i] = cur
		cur += f.Type.Size()
	}
	capacity := 0
	if cur > 0 {
		capacity = bufferSize / cur
	}
	return &rowLayout{sch: s, tupleSize: cur, fieldOff: offs, capacity: capacity}
}

func (r *rowLayout) Offset(rowIndex, fieldIndex int) int {
	return rowIndex*r.tupleSize + r.fieldOff[fieldIndex]
}
func (r *rowLayout) Capacity() int       { return r.capacity }
func (r *rowLayout) Schema() *schema.Schema { return r.sch }

type columnLayout struct {
	sch         *schema.Schema
	columnStart []int
	fieldSize   []int
	capacity    int
}

// NewColumnLayout builds a column-major layout: offset = fieldColumnStart +
// rowIndex*fieldSize (spec §3 MemoryLayout). Every column is sized for the
// same record capacity, computed from the buffer size and the widest
// possible per-record footprint.
func NewColumnLayout(s *schema.Schema, bufferSize int) MemoryLayout {
	tupleSize := s.TupleSizeInBytes()
	capacity := 0
	if tupleSize > 0 {
		capacity = bufferSize / tupleSize
	}
	starts := make([]int, len(s.Fields))
	sizes := make([]int, len(s.Fields))
	cur := 0
	for i, f := range s.Fields {
		starts[i] = cur
		sizes[i] = f.Type.Size()
		cur += sizes[i] * capacity
	}
	return &columnLayout{sch: s, columnStart: starts, fieldSize: sizes, capacity: capacity}
}

func (c *columnLayout) Offset(rowIndex, fieldIndex int) int {
	return c.columnStart[fieldIndex] + rowIndex*c.fieldSize[fieldIndex]
}
func (c *columnLayout) Capacity() int          { return c.capacity }
func (c *columnLayout) Schema() *schema.Schema { return c.sch }

// New builds the layout implied by s.LayoutType.
func New(s *schema.Schema, bufferSize int) MemoryLayout {
	if s.LayoutType == schema.ColumnLayout {
		return NewColumnLayout(s, bufferSize)
	}
	return NewRowLayout(s, bufferSize)
}

// View binds a MemoryLayout to one TupleBuffer, providing bounds-checked
// typed accessors (spec §4.A: "single bounds check per record-index").
type View struct {
	layout MemoryLayout
	buf    buffer.TupleBuffer
}

// NewView binds layout to buf.
func NewView(l MemoryLayout, buf buffer.TupleBuffer) *View {
	return &View{layout: l, buf: buf}
}

func (v *View) checkBounds(rowIndex int) error {
	if rowIndex < 0 || rowIndex >= v.layout.Capacity() {
		return fmt.Errorf("layout: row index %d out of bounds [0,%d)", rowIndex, v.layout.Capacity())
	}
	return nil
}

func (v *View) WriteInt64(rowIndex, fieldIndex int, val int64) error {
	if err := v.checkBounds(rowIndex); err != nil {
		return err
	}
	off := v.layout.Offset(rowIndex, fieldIndex)
	binary.LittleEndian.PutUint64(v.buf.Bytes()[off:off+8], uint64(val))
	return nil
}

func (v *View) ReadInt64(rowIndex, fieldIndex int) (int64, error) {
	if err := v.checkBounds(rowIndex); err != nil {
		return 0, err
	}
	off := v.layout.Offset(rowIndex, fieldIndex)
	return int64(binary.LittleEndian.Uint64(v.buf.Bytes()[off : off+8])), nil
}

func (v *View) WriteUint32(rowIndex, fieldIndex int, val uint32) error {
	if err := v.checkBounds(rowIndex); err != nil {
		return err
	}
	off := v.layout.Offset(rowIndex, fieldIndex)
	binary.LittleEndian.PutUint32(v.buf.Bytes()[off:off+4], val)
	return nil
}

func (v *View) ReadUint32(rowIndex, fieldIndex int) (uint32, error) {
	if err := v.checkBounds(rowIndex); err != nil {
		return 0, err
	}
	off := v.layout.Offset(rowIndex, fieldIndex)
	return binary.LittleEndian.Uint32(v.buf.Bytes()[off : off+4]), nil
}

func (v *View) WriteFloat64Bits(rowIndex, fieldIndex int, bits uint64) error {
	if err := v.checkBounds(rowIndex); err != nil {
		return err
	}
	off := v.layout.Offset(rowIndex, fieldIndex)
	binary.LittleEndian.PutUint64(v.buf.Bytes()[off:off+8], bits)
	return nil
}

func (v *View) ReadFloat64Bits(rowIndex, fieldIndex int) (uint64, error) {
	if err := v.checkBounds(rowIndex); err != nil {
		return 0, err
	}
	off := v.layout.Offset(rowIndex, fieldIndex)
	return binary.LittleEndian.Uint64(v.buf.Bytes()[off : off+8]), nil
}

// WriteVarSized stores a variable-sized payload's 32-bit length and
// 32-bit child-buffer index in the record slot (spec §4.A: "A
// VariableSizedData field stores a 32-bit length followed by bytes in a
// child buffer; the parent carries the child-buffer index."). The payload
// bytes themselves belong in a child buffer at position childIndex within
// v.buf.Children(); WriteVarSizedBytes is the usual caller-facing entry
// point that maintains that invariant for you.
func (v *View) WriteVarSized(rowIndex, fieldIndex int, childIndex uint32, length uint32) error {
	if err := v.checkBounds(rowIndex); err != nil {
		return err
	}
	off := v.layout.Offset(rowIndex, fieldIndex)
	binary.LittleEndian.PutUint32(v.buf.Bytes()[off:off+4], length)
	binary.LittleEndian.PutUint32(v.buf.Bytes()[off+4:off+8], childIndex)
	return nil
}

// ReadVarSized returns the length and child-buffer index stored by
// WriteVarSized.
func (v *View) ReadVarSized(rowIndex, fieldIndex int) (length uint32, childIndex uint32, err error) {
	if err := v.checkBounds(rowIndex); err != nil {
		return 0, 0, err
	}
	off := v.layout.Offset(rowIndex, fieldIndex)
	length = binary.LittleEndian.Uint32(v.buf.Bytes()[off : off+4])
	childIndex = binary.LittleEndian.Uint32(v.buf.Bytes()[off+4 : off+8])
	return length, childIndex, nil
}

// WriteVarSizedBytes Avro-encodes payload via varSizedCodec into child (a
// fresh buffer drawn from the same pool as v's buffer), appends child to
// v's child-buffer list, and records its index and encoded length in the
// record slot (spec §4.A).
func (v *View) WriteVarSizedBytes(rowIndex, fieldIndex int, child buffer.TupleBuffer, payload []byte) error {
	encoded, err := varSizedCodec.BinaryFromNative(nil, payload)
	if err != nil {
		return fmt.Errorf("layout: avro-encode var-sized payload: %w", err)
	}
	if len(encoded) > len(child.Bytes()) {
		return fmt.Errorf("layout: encoded var-sized payload (%d bytes) exceeds child buffer size (%d)", len(encoded), len(child.Bytes()))
	}
	copy(child.Bytes(), encoded)
	childIndex := uint32(len(v.buf.Children()))
	v.buf.AddChild(child)
	return v.WriteVarSized(rowIndex, fieldIndex, childIndex, uint32(len(encoded)))
}

// ReadVarSizedBytes reads back a payload written by WriteVarSizedBytes,
// Avro-decoding it out of its child buffer.
func (v *View) ReadVarSizedBytes(rowIndex, fieldIndex int) ([]byte, error) {
	length, childIndex, err := v.ReadVarSized(rowIndex, fieldIndex)
	if err != nil {
		return nil, err
	}
	children := v.buf.Children()
	if int(childIndex) >= len(children) {
		return nil, fmt.Errorf("layout: child-buffer index %d out of range (%d children)", childIndex, len(children))
	}
	child := children[childIndex]
	if int(length) > len(child.Bytes()) {
		return nil, fmt.Errorf("layout: var-sized length %d exceeds child buffer size %d", length, len(child.Bytes()))
	}
	native, _, err := varSizedCodec.NativeFromBinary(child.Bytes()[:length])
	if err != nil {
		return nil, fmt.Errorf("layout: avro-decode var-sized payload: %w", err)
	}
	payload, ok := native.([]byte)
	if !ok {
		return nil, fmt.Errorf("layout: avro-decoded var-sized payload has unexpected type %T", native)
	}
	return payload, nil
}
