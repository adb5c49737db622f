package layout

import (
	"context"
	"testing"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/schema"
)

func testSchema(l schema.Layout) *schema.Schema {
	return schema.New(l,
		schema.Field{Name: "key", Type: schema.Int64},
		schema.Field{Name: "flag", Type: schema.Bool},
		schema.Field{Name: "value", Type: schema.Int32},
	)
}

// TestRowLayoutOffsets checks spec §3's formula: offset = row_index *
// tuple_size + field_offset.
func TestRowLayoutOffsets(t *testing.T) {
	s := testSchema(schema.RowLayout)
	l := NewRowLayout(s, 4096)
	tupleSize := s.TupleSizeInBytes() // 8 + 1 + 4 = 13
	if tupleSize != 13 {
		t.Fatalf("TupleSizeInBytes() = %d, want 13", tupleSize)
	}
	if got := l.Offset(0, 0); got != 0 {
		t.Fatalf("Offset(0,0) = %d, want 0", got)
	}
	if got := l.Offset(0, 2); got != 9 {
		t.Fatalf("Offset(0,2) = %d, want 9", got)
	}
	if got := l.Offset(2, 0); got != 2*tupleSize {
		t.Fatalf("Offset(2,0) = %d, want %d", got, 2*tupleSize)
	}
	if got := l.Offset(2, 2); got != 2*tupleSize+9 {
		t.Fatalf("Offset(2,2) = %d, want %d", got, 2*tupleSize+9)
	}
}

// TestColumnLayoutOffsets checks spec §3's column formula: offset =
// field_column_start + row_index * field_size.
func TestColumnLayoutOffsets(t *testing.T) {
	s := testSchema(schema.ColumnLayout)
	l := NewColumnLayout(s, 4096)
	cap := l.Capacity()
	if cap <= 0 {
		t.Fatalf("Capacity() = %d, want > 0", cap)
	}
	// column 0 (key, 8 bytes) starts at 0, spans cap*8 bytes.
	if got := l.Offset(0, 0); got != 0 {
		t.Fatalf("Offset(0,0) = %d, want 0", got)
	}
	if got := l.Offset(1, 0); got != 8 {
		t.Fatalf("Offset(1,0) = %d, want 8", got)
	}
	// column 1 (flag, 1 byte) starts right after column 0's reserved span.
	wantCol1Start := cap * 8
	if got := l.Offset(0, 1); got != wantCol1Start {
		t.Fatalf("Offset(0,1) = %d, want %d", got, wantCol1Start)
	}
}

// TestViewRoundTrip checks the round-trip/idempotence property from spec
// §8: "Writing a record into a row-layout buffer and reading back via the
// same layout returns bit-equal bytes."
func TestViewRoundTrip(t *testing.T) {
	s := schema.New(schema.RowLayout,
		schema.Field{Name: "a", Type: schema.Int64},
		schema.Field{Name: "b", Type: schema.Uint32},
	)
	pool := buffer.NewPool(1, 256)
	ctx := context.Background()
	buf, err := pool.GetBufferBlocking(ctx)
	if err != nil {
		t.Fatalf("GetBufferBlocking: %v", err)
	}
	defer buf.Release()

	l := New(s, buf.Size())
	v := NewView(l, buf)

	if err := v.WriteInt64(0, 0, -42); err != nil {
		t.Fatalf("WriteInt64: %v", err)
	}
	if err := v.WriteUint32(0, 1, 7); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}
	if err := v.WriteInt64(3, 0, 99); err != nil {
		t.Fatalf("WriteInt64: %v", err)
	}

	got, err := v.ReadInt64(0, 0)
	if err != nil || got != -42 {
		t.Fatalf("ReadInt64(0,0) = (%d, %v), want (-42, nil)", got, err)
	}
	gotU, err := v.ReadUint32(0, 1)
	if err != nil || gotU != 7 {
		t.Fatalf("ReadUint32(0,1) = (%d, %v), want (7, nil)", gotU, err)
	}
	got3, err := v.ReadInt64(3, 0)
	if err != nil || got3 != 99 {
		t.Fatalf("ReadInt64(3,0) = (%d, %v), want (99, nil)", got3, err)
	}
}

// TestViewBoundsCheck checks the single-bounds-check-per-record-index
// contract (spec §4.A): out-of-capacity indices are rejected, not silently
// truncated or allowed to write out of bounds.
func TestViewBoundsCheck(t *testing.T) {
	s := testSchema(schema.RowLayout)
	l := NewRowLayout(s, 64) // small buffer => small capacity
	pool := buffer.NewPool(1, 64)
	ctx := context.Background()
	buf, err := pool.GetBufferBlocking(ctx)
	if err != nil {
		t.Fatalf("GetBufferBlocking: %v", err)
	}
	defer buf.Release()
	v := NewView(l, buf)

	if err := v.WriteInt64(l.Capacity(), 0, 1); err == nil {
		t.Fatalf("expected out-of-bounds row index to be rejected")
	}
	if err := v.WriteInt64(-1, 0, 1); err == nil {
		t.Fatalf("expected negative row index to be rejected")
	}
}
