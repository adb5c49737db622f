package window

import (
	"context"
	"sort"
	"testing"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/layout"
	"github.com/nebulastream/nebulastream-sub027/internal/plan"
	"github.com/nebulastream/nebulastream-sub027/internal/querymanager"
	"github.com/nebulastream/nebulastream-sub027/internal/schema"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// fakeExecCtx is a minimal plan.ExecutionContext for exercising BuildStage
// without standing up a full query manager.
type fakeExecCtx struct {
	worker   types.WorkerThreadId
	pool     *buffer.Pool
	handlers []plan.OperatorHandler
	locals   map[types.OperatorHandlerIndex]any
	emitted  []buffer.TupleBuffer
}

func newFakeExecCtx(worker types.WorkerThreadId, pool *buffer.Pool, handlers []plan.OperatorHandler) *fakeExecCtx {
	return &fakeExecCtx{worker: worker, pool: pool, handlers: handlers, locals: map[types.OperatorHandlerIndex]any{}}
}

func (f *fakeExecCtx) WorkerThreadID() types.WorkerThreadId { return f.worker }

func (f *fakeExecCtx) AllocateBuffer(ctx context.Context) (buffer.TupleBuffer, error) {
	return f.pool.GetBufferBlocking(ctx)
}

func (f *fakeExecCtx) EmitBuffer(ctx context.Context, buf buffer.TupleBuffer, policy plan.ContinuationPolicy) error {
	f.emitted = append(f.emitted, buf)
	return nil
}

func (f *fakeExecCtx) GlobalOperatorHandler(idx types.OperatorHandlerIndex) plan.OperatorHandler {
	if int(idx) < 0 || int(idx) >= len(f.handlers) {
		return nil
	}
	return f.handlers[idx]
}

func (f *fakeExecCtx) SetLocalOperatorState(idx types.OperatorHandlerIndex, state any) {
	f.locals[idx] = state
}

func (f *fakeExecCtx) GetLocalState(idx types.OperatorHandlerIndex) (any, bool) {
	v, ok := f.locals[idx]
	return v, ok
}

func inputSchema() *schema.Schema {
	return schema.New(schema.RowLayout,
		schema.Field{Name: "ts", Type: schema.Int64},
		schema.Field{Name: "key", Type: schema.Int64},
		schema.Field{Name: "value", Type: schema.Int64},
	)
}

type rec struct{ ts, key, value int64 }

func fillBuffer(t *testing.T, pool *buffer.Pool, sch *schema.Schema, recs []rec) buffer.TupleBuffer {
	t.Helper()
	buf, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l := layout.New(sch, buf.Size())
	view := layout.NewView(l, buf)
	for i, r := range recs {
		if err := view.WriteInt64(i, 0, r.ts); err != nil {
			t.Fatal(err)
		}
		if err := view.WriteInt64(i, 1, r.key); err != nil {
			t.Fatal(err)
		}
		if err := view.WriteInt64(i, 2, r.value); err != nil {
			t.Fatal(err)
		}
	}
	buf.SetNumberOfTuples(uint64(len(recs)))
	buf.SetOriginID(0)
	return buf
}

func readResults(t *testing.T, emitted []buffer.TupleBuffer) []struct{ start, end, key, value int64 } {
	t.Helper()
	resultSchema := ResultSchema()
	var out []struct{ start, end, key, value int64 }
	for _, buf := range emitted {
		l := layout.New(resultSchema, buf.Size())
		view := layout.NewView(l, buf)
		for i := 0; i < int(buf.NumberOfTuples()); i++ {
			start, _ := view.ReadInt64(i, 0)
			end, _ := view.ReadInt64(i, 1)
			key, _ := view.ReadInt64(i, 2)
			val, _ := view.ReadInt64(i, 3)
			out = append(out, struct{ start, end, key, value int64 }{start, end, key, val})
		}
	}
	return out
}

// TestBuildStage_S1_TumblingSumSingleWorker mirrors scenario S1: four
// records on one worker, slice=window=10, allowed_lateness=0, a single
// result after end-of-stream.
func TestBuildStage_S1_TumblingSumSingleWorker(t *testing.T) {
	pool := buffer.NewPool(16, 4096)
	handler := NewOperatorHandler(10, 10, 0, 0, Tumbling, SumAggregate{})
	ec := newFakeExecCtx(0, pool, []plan.OperatorHandler{handler})

	in := inputSchema()
	stage := &BuildStage{HandlerIdx: 0, In: in, TSField: "ts", KeyField: "key", ValueField: "value"}

	buf := fillBuffer(t, pool, in, []rec{
		{ts: 1, key: 1, value: 10},
		{ts: 1, key: 1, value: 20},
		{ts: 2, key: 1, value: 30},
		{ts: 3, key: 1, value: 40},
	})
	if err := stage.Execute(context.Background(), buf, ec); err != nil {
		t.Fatalf("execute: %v", err)
	}

	stage.Reconfigure(querymanager.ReconfigurationMessage{Type: querymanager.SoftEndOfStream}, ec)

	results := readResults(t, ec.emitted)
	if len(results) != 1 {
		t.Fatalf("expected exactly one result, got %d: %+v", len(results), results)
	}
	got := results[0]
	if got.start != 0 || got.end != 10 || got.key != 1 || got.value != 100 {
		t.Fatalf("got %+v, want {start:0 end:10 key:1 value:100}", got)
	}

	// Testable property 2: window_end > window_start and buffer.watermark >=
	// window_end, for every emitted window result buffer.
	for _, buf := range ec.emitted {
		if buf.WatermarkTS() < types.Timestamp(got.end) {
			t.Fatalf("emitted buffer watermark = %v, want >= window_end %d", buf.WatermarkTS(), got.end)
		}
	}
}

// TestBuildStage_S2_MultiWorkerPreAggregation mirrors scenario S2: the same
// records as S1, split across 4 simulated workers, each driving its own
// BuildStage invocation against shared handler state, in arbitrary order.
func TestBuildStage_S2_MultiWorkerPreAggregation(t *testing.T) {
	pool := buffer.NewPool(16, 4096)
	handler := NewOperatorHandler(10, 10, 0, 0, Tumbling, SumAggregate{})
	handlers := []plan.OperatorHandler{handler}
	in := inputSchema()
	stage := &BuildStage{HandlerIdx: 0, In: in, TSField: "ts", KeyField: "key", ValueField: "value"}

	// Same single-origin records as S1, each tagged with the sequence number
	// it would have carried from the source, but handed to the build stage
	// out of production order -- the MultiOriginWatermarkProcessor's
	// contiguous-prefix tracking must still reconstruct the right watermark.
	type seqRec struct {
		rec
		seq types.SequenceNumber
	}
	shuffled := []seqRec{
		{rec{ts: 2, key: 1, value: 30}, 3},
		{rec{ts: 1, key: 1, value: 10}, 1},
		{rec{ts: 3, key: 1, value: 40}, 4},
		{rec{ts: 1, key: 1, value: 20}, 2},
	}

	var lastEC *fakeExecCtx
	for i, sr := range shuffled {
		ec := newFakeExecCtx(types.WorkerThreadId(i), pool, handlers)
		buf := fillBuffer(t, pool, in, []rec{sr.rec})
		buf.SetSequenceNumber(sr.seq)
		buf.SetOriginID(0)
		if err := stage.Execute(context.Background(), buf, ec); err != nil {
			t.Fatalf("execute: %v", err)
		}
		lastEC = ec
	}

	// End-of-stream flush: any one worker's ec may carry the claim.
	for i := 0; i < len(shuffled); i++ {
		ec := newFakeExecCtx(types.WorkerThreadId(i), pool, handlers)
		stage.Reconfigure(querymanager.ReconfigurationMessage{Type: querymanager.SoftEndOfStream}, ec)
		if len(ec.emitted) > 0 {
			lastEC = ec
		}
	}

	results := readResults(t, lastEC.emitted)
	if len(results) != 1 {
		t.Fatalf("expected exactly one result, got %d: %+v", len(results), results)
	}
	got := results[0]
	if got.start != 0 || got.end != 10 || got.key != 1 || got.value != 100 {
		t.Fatalf("got %+v, want {start:0 end:10 key:1 value:100}", got)
	}
	for _, buf := range lastEC.emitted {
		if buf.WatermarkTS() < types.Timestamp(got.end) {
			t.Fatalf("emitted buffer watermark = %v, want >= window_end %d", buf.WatermarkTS(), got.end)
		}
	}
}

func TestAggregateFunction_AssociativeCombine(t *testing.T) {
	// Testable property 6: combine-of-lifts equals a whole-stream
	// lift+combine, for any partition of records into slices.
	recs := []rec{{1, 1, 10}, {1, 1, 20}, {1, 1, 30}, {1, 1, 40}}
	agg := SumAggregate{}

	whole := agg.Reset()
	for _, r := range recs {
		whole = agg.Lift(whole, r.value)
	}

	partA := agg.Reset()
	for _, r := range recs[:2] {
		partA = agg.Lift(partA, r.value)
	}
	partB := agg.Reset()
	for _, r := range recs[2:] {
		partB = agg.Lift(partB, r.value)
	}
	combined := agg.Combine(partA, partB)

	if agg.Lower(whole) != agg.Lower(combined) {
		t.Fatalf("associativity violated: whole=%d combined=%d", agg.Lower(whole), agg.Lower(combined))
	}
}

func TestOperatorHandler_WindowsBetween_Tumbling(t *testing.T) {
	h := NewOperatorHandler(10, 10, 0, 0, Tumbling, SumAggregate{})
	windows := h.WindowsBetween(0, 35)
	var starts []int64
	for _, w := range windows {
		starts = append(starts, int64(w.Start))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	want := []int64{0, 10, 20}
	if len(starts) != len(want) {
		t.Fatalf("got %v, want %v", starts, want)
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Fatalf("got %v, want %v", starts, want)
		}
	}
}
