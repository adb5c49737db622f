package window

import (
	"context"
	"fmt"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/layout"
	"github.com/nebulastream/nebulastream-sub027/internal/log"
	"github.com/nebulastream/nebulastream-sub027/internal/plan"
	"github.com/nebulastream/nebulastream-sub027/internal/querymanager"
	"github.com/nebulastream/nebulastream-sub027/internal/schema"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

var logger = log.For("window")

// ResultSchema is the fixed output shape of a window result buffer (spec
// §8 S1: "one result (window_start=0, window_end=10, key=1, sum=100)").
func ResultSchema() *schema.Schema {
	return schema.New(schema.RowLayout,
		schema.Field{Name: "window$start", Type: schema.Int64},
		schema.Field{Name: "window$end", Type: schema.Int64},
		schema.Field{Name: "window$key", Type: schema.Int64},
		schema.Field{Name: "window$value", Type: schema.Int64},
	)
}

// BuildStage is the thread-local pre-aggregation build operator (spec
// §4.F): it implements plan.Stage and querymanager.Reconfigurable so the
// query manager can both dispatch buffers to it and flush its slices on
// end-of-stream.
type BuildStage struct {
	HandlerIdx types.OperatorHandlerIndex
	In         *schema.Schema
	TSField    string
	KeyField   string
	ValueField string
}

var _ plan.Stage = (*BuildStage)(nil)
var _ querymanager.Reconfigurable = (*BuildStage)(nil)

func (b *BuildStage) Setup(ec plan.ExecutionContext) uint32 { return 0 }

func (b *BuildStage) Stop(ec plan.ExecutionContext) uint32 { return 0 }

// endOfTime bounds the final end-of-stream flush: every slice the store
// ever held ends before it.
const endOfTime = types.Timestamp(1 << 62)

// Reconfigure implements querymanager.Reconfigurable: on end-of-stream,
// this worker's local slices are force-merged into the global store
// regardless of watermark (safe to run on every worker of the broadcast,
// since each only touches its own local state); exactly one worker of the
// broadcast then claims the final trigger via handler.ClaimEOSFlush and
// emits every window the merges made complete (spec §4.F step 4, run once
// at end-of-stream rather than waiting for a watermark that may never
// naturally arrive).
func (b *BuildStage) Reconfigure(msg querymanager.ReconfigurationMessage, ec plan.ExecutionContext) {
	if msg.Type != querymanager.SoftEndOfStream && msg.Type != querymanager.HardEndOfStream {
		return
	}
	handler, ok := ec.GlobalOperatorHandler(b.HandlerIdx).(*OperatorHandler)
	if !ok || handler == nil {
		return
	}
	ws := handler.workerStateFor(ec.WorkerThreadID())
	for _, sl := range ws.store.DrainUpTo(endOfTime) {
		handler.Global.Merge(sl, handler.Aggregate)
	}
	if handler.ClaimEOSFlush() {
		// Enumerate only the windows that can overlap a held slice, not every
		// window up to endOfTime.
		held := handler.Global.SlicesIn(-endOfTime, endOfTime)
		if len(held) == 0 {
			return
		}
		lo, hi := held[0].start-handler.WindowSize, held[0].end
		for _, gs := range held {
			if gs.end > hi {
				hi = gs.end
			}
		}
		if lo < 0 {
			lo = 0
		}
		windows := handler.WindowsBetween(lo, hi+handler.WindowSize)
		if err := b.emitWindows(context.Background(), handler, ec, windows); err != nil {
			logger.Error("end-of-stream window flush failed", "err", err)
		}
	}
}

// PostReconfigurationCallback implements querymanager.Reconfigurable; the
// final trigger already runs inside Reconfigure (see above) since that is
// the only call in the broadcast that still has an ExecutionContext to
// allocate and emit result buffers with.
func (b *BuildStage) PostReconfigurationCallback(msg querymanager.ReconfigurationMessage) {}

func (b *BuildStage) Execute(ctx context.Context, buf buffer.TupleBuffer, ec plan.ExecutionContext) error {
	defer buf.Release()

	handler, ok := ec.GlobalOperatorHandler(b.HandlerIdx).(*OperatorHandler)
	if !ok || handler == nil {
		return fmt.Errorf("window build: operator handler %v is not a *window.OperatorHandler", b.HandlerIdx)
	}

	ws := handler.workerStateFor(ec.WorkerThreadID())

	tsIdx := b.In.IndexOf(b.TSField)
	keyIdx := b.In.IndexOf(b.KeyField)
	valIdx := b.In.IndexOf(b.ValueField)
	if tsIdx < 0 || keyIdx < 0 || valIdx < 0 {
		return fmt.Errorf("window build: input schema missing ts/key/value fields")
	}

	l := layout.New(b.In, buf.Size())
	view := layout.NewView(l, buf)

	var maxTS types.Timestamp
	n := int(buf.NumberOfTuples())
	for i := 0; i < n; i++ {
		ts, err := view.ReadInt64(i, tsIdx)
		if err != nil {
			return err
		}
		key, err := view.ReadInt64(i, keyIdx)
		if err != nil {
			return err
		}
		val, err := view.ReadInt64(i, valIdx)
		if err != nil {
			return err
		}
		ws.store.Insert(types.Timestamp(ts), key, val, handler.Aggregate)
		if types.Timestamp(ts) > maxTS {
			maxTS = types.Timestamp(ts)
		}
	}
	if n == 0 {
		return nil
	}

	localWatermark := maxTS - handler.AllowedLateness
	if localWatermark <= ws.lastLocalWatermark {
		return nil
	}

	_, globalW := handler.SourceWatermark.Update(localWatermark, buf.SequenceNumber(), buf.OriginID())
	if globalW > ws.lastLocalWatermark {
		for _, sl := range ws.store.DrainUpTo(globalW) {
			handler.Global.Merge(sl, handler.Aggregate)
		}
		ws.lastLocalWatermark = globalW
	}

	ws.crossThreadSeq++
	oldCT, newCT := handler.CrossThreadWatermark.Update(globalW, ws.crossThreadSeq, types.OriginId(ec.WorkerThreadID()))
	if newCT <= oldCT {
		return nil
	}
	windows := handler.WindowsBetween(oldCT, newCT)
	if err := b.emitWindows(ctx, handler, ec, windows); err != nil {
		return err
	}
	handler.Global.Purge(newCT)
	return nil
}

func (b *BuildStage) emitWindows(ctx context.Context, handler *OperatorHandler, ec plan.ExecutionContext, windows []struct{ Start, End types.Timestamp }) error {
	if len(windows) == 0 {
		return nil
	}
	resultSchema := ResultSchema()
	for _, w := range windows {
		slices := handler.Global.SlicesIn(w.Start, w.End)
		if len(slices) == 0 {
			continue
		}
		combined := map[int64]any{}
		for _, sl := range slices {
			for k, v := range sl.partials {
				if cur, ok := combined[k]; ok {
					combined[k] = handler.Aggregate.Combine(cur, v)
				} else {
					combined[k] = v
				}
			}
		}
		if len(combined) == 0 {
			continue
		}
		outBuf, err := ec.AllocateBuffer(ctx)
		if err != nil {
			return err
		}
		outLayout := layout.New(resultSchema, outBuf.Size())
		outView := layout.NewView(outLayout, outBuf)
		row := 0
		for key, acc := range combined {
			if row >= outLayout.Capacity() {
				outBuf.SetNumberOfTuples(uint64(row))
				outBuf.SetWatermarkTS(w.End)
				if err := ec.EmitBuffer(ctx, outBuf, plan.Required); err != nil {
					return err
				}
				outBuf, err = ec.AllocateBuffer(ctx)
				if err != nil {
					return err
				}
				outLayout = layout.New(resultSchema, outBuf.Size())
				outView = layout.NewView(outLayout, outBuf)
				row = 0
			}
			_ = outView.WriteInt64(row, 0, int64(w.Start))
			_ = outView.WriteInt64(row, 1, int64(w.End))
			_ = outView.WriteInt64(row, 2, key)
			_ = outView.WriteInt64(row, 3, handler.Aggregate.Lower(acc))
			row++
		}
		outBuf.SetNumberOfTuples(uint64(row))
		outBuf.SetWatermarkTS(w.End)
		if err := ec.EmitBuffer(ctx, outBuf, plan.Required); err != nil {
			return err
		}
	}
	return nil
}
