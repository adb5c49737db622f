package source

import (
	"context"
	"strings"
	"testing"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/layout"
	"github.com/nebulastream/nebulastream-sub027/internal/schema"
)

func csvSchema() *schema.Schema {
	return schema.New(schema.RowLayout,
		schema.Field{Name: "id", Type: schema.Int64},
		schema.Field{Name: "label", Type: schema.VarSized},
	)
}

// TestCSVSourceParsesVarSizedField exercises the VariableSizedData path
// end to end (spec §4.A): a CSV text column lands in a child buffer via
// WriteVarSizedBytes and decodes back unchanged via ReadVarSizedBytes.
func TestCSVSourceParsesVarSizedField(t *testing.T) {
	ctx := context.Background()
	pool := buffer.NewPool(8, 4096)
	fp, err := pool.CreateFixedSizeBufferPool(ctx, 4)
	if err != nil {
		t.Fatalf("CreateFixedSizeBufferPool: %v", err)
	}

	sch := csvSchema()
	r := strings.NewReader("1,hello world\n2,a second row\n")
	src := NewCSVSource(sch, fp, r, ",", false)
	if err := src.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	buf, err := fp.GetBufferBlocking(ctx)
	if err != nil {
		t.Fatalf("GetBufferBlocking: %v", err)
	}
	defer buf.Release()

	ok, err := src.FillBuffer(ctx, buf)
	if err != nil {
		t.Fatalf("FillBuffer: %v", err)
	}
	if !ok {
		t.Fatalf("expected FillBuffer to report data")
	}
	if buf.NumberOfTuples() != 2 {
		t.Fatalf("NumberOfTuples() = %d, want 2", buf.NumberOfTuples())
	}
	if len(buf.Children()) != 2 {
		t.Fatalf("len(Children()) = %d, want 2 (one per VarSized row)", len(buf.Children()))
	}

	l := layout.New(sch, buf.Size())
	view := layout.NewView(l, buf)

	id0, err := view.ReadInt64(0, 0)
	if err != nil || id0 != 1 {
		t.Fatalf("ReadInt64(0,0) = (%d,%v), want (1,nil)", id0, err)
	}
	label0, err := view.ReadVarSizedBytes(0, 1)
	if err != nil {
		t.Fatalf("ReadVarSizedBytes(0,1): %v", err)
	}
	if string(label0) != "hello world" {
		t.Fatalf("label0 = %q, want %q", label0, "hello world")
	}

	id1, err := view.ReadInt64(1, 0)
	if err != nil || id1 != 2 {
		t.Fatalf("ReadInt64(1,0) = (%d,%v), want (2,nil)", id1, err)
	}
	label1, err := view.ReadVarSizedBytes(1, 1)
	if err != nil {
		t.Fatalf("ReadVarSizedBytes(1,1): %v", err)
	}
	if string(label1) != "a second row" {
		t.Fatalf("label1 = %q, want %q", label1, "a second row")
	}

	ok, err = src.FillBuffer(ctx, buf)
	if err != nil {
		t.Fatalf("second FillBuffer: %v", err)
	}
	if ok {
		t.Fatalf("expected clean end-of-data on second FillBuffer")
	}
}
