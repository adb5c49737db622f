package join

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

var logger = log.For("join")

// TriggerSchema is the fixed shape of a probe trigger buffer: a single
// interval_id field (spec §4.G: "a trigger task carrying an interval_id").
func TriggerSchema() *schema.Schema {
	return schema.New(schema.RowLayout, schema.Field{Name: "interval_id", Type: schema.Int64})
}

// ResultSchema composes the output shape of a probe: interval bounds plus
// every left and right field (spec §4.G step 2: "a joined record containing
// interval_start, interval_end, all left fields, all right fields").
func ResultSchema(leftFields, rightFields []string) *schema.Schema {
	fields := []schema.Field{
		{Name: "interval_start", Type: schema.Int64},
		{Name: "interval_end", Type: schema.Int64},
	}
	for _, f := range leftFields {
		fields = append(fields, schema.Field{Name: "left$" + f, Type: schema.Int64})
	}
	for _, f := range rightFields {
		fields = append(fields, schema.Field{Name: "right$" + f, Type: schema.Int64})
	}
	return schema.New(schema.RowLayout, fields...)
}

// BuildStage appends incoming records to the left or right side of the
// interval covering each record's timestamp (spec §4.G storage). Side
// selects which: the same stage type serves both, configured per pipeline.
type BuildStage struct {
	HandlerIdx types.OperatorHandlerIndex
	In         *schema.Schema
	TSField    string
	KeyField   string
	ExtraFields []string
	Right      bool // false = left-side build, true = right-side build
}

var _ plan.Stage = (*BuildStage)(nil)

func (b *BuildStage) Setup(ec plan.ExecutionContext) uint32 { return 0 }
func (b *BuildStage) Stop(ec plan.ExecutionContext) uint32  { return 0 }

func (b *BuildStage) Execute(ctx context.Context, buf buffer.TupleBuffer, ec plan.ExecutionContext) error {
	defer buf.Release()

	handler, ok := ec.GlobalOperatorHandler(b.HandlerIdx).(*OperatorHandler)
	if !ok || handler == nil {
		return fmt.Errorf("join build: operator handler %v is not a *join.OperatorHandler", b.HandlerIdx)
	}

	tsIdx := b.In.IndexOf(b.TSField)
	keyIdx := b.In.IndexOf(b.KeyField)
	if tsIdx < 0 || keyIdx < 0 {
		return fmt.Errorf("join build: input schema missing ts/key fields")
	}
	extraIdx := make([]int, len(b.ExtraFields))
	for i, f := range b.ExtraFields {
		extraIdx[i] = b.In.IndexOf(f)
		if extraIdx[i] < 0 {
			return fmt.Errorf("join build: input schema missing field %q", f)
		}
	}

	l := layout.New(b.In, buf.Size())
	view := layout.NewView(l, buf)

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
		extra := make([]int64, len(extraIdx))
		for j, idx := range extraIdx {
			v, err := view.ReadInt64(i, idx)
			if err != nil {
				return err
			}
			extra[j] = v
		}
		row := Row{Key: key, TS: types.Timestamp(ts), Extra: extra}
		if b.Right {
			handler.BuildRight(ec.WorkerThreadID(), row)
		} else {
			handler.BuildLeft(row)
		}
	}
	return nil
}

// ProbeStage consumes trigger buffers (one interval_id per record),
// resolves the interval, runs the predicate over the left/right cross
// product, and emits joined records (spec §4.G probe). It also implements
// querymanager.Reconfigurable so a terminate broadcast clears every
// interval.
type ProbeStage struct {
	HandlerIdx  types.OperatorHandlerIndex
	LeftFields  []string
	RightFields []string
}

var _ plan.Stage = (*ProbeStage)(nil)
var _ querymanager.Reconfigurable = (*ProbeStage)(nil)

func (p *ProbeStage) Setup(ec plan.ExecutionContext) uint32 { return 0 }
func (p *ProbeStage) Stop(ec plan.ExecutionContext) uint32  { return 0 }

func (p *ProbeStage) Reconfigure(msg querymanager.ReconfigurationMessage, ec plan.ExecutionContext) {
	if msg.Type != querymanager.SoftEndOfStream && msg.Type != querymanager.HardEndOfStream {
		return
	}
	handler, ok := ec.GlobalOperatorHandler(p.HandlerIdx).(*OperatorHandler)
	if !ok || handler == nil {
		return
	}
	handler.Terminate()
}

func (p *ProbeStage) PostReconfigurationCallback(msg querymanager.ReconfigurationMessage) {}

func (p *ProbeStage) Execute(ctx context.Context, buf buffer.TupleBuffer, ec plan.ExecutionContext) error {
	defer buf.Release()

	handler, ok := ec.GlobalOperatorHandler(p.HandlerIdx).(*OperatorHandler)
	if !ok || handler == nil {
		return fmt.Errorf("join probe: operator handler %v is not a *join.OperatorHandler", p.HandlerIdx)
	}

	triggerSchema := TriggerSchema()
	triggerLayout := layout.New(triggerSchema, buf.Size())
	triggerView := layout.NewView(triggerLayout, buf)

	resultSchema := ResultSchema(p.LeftFields, p.RightFields)
	outBuf, err := ec.AllocateBuffer(ctx)
	if err != nil {
		return err
	}
	outLayout := layout.New(resultSchema, outBuf.Size())
	outView := layout.NewView(outLayout, outBuf)
	row := 0

	flush := func() error {
		if row == 0 {
			return nil
		}
		outBuf.SetNumberOfTuples(uint64(row))
		return ec.EmitBuffer(ctx, outBuf, plan.Required)
	}

	n := int(buf.NumberOfTuples())
	for i := 0; i < n; i++ {
		intervalID, err := triggerView.ReadInt64(i, 0)
		if err != nil {
			return err
		}
		for _, jr := range handler.Probe(intervalID) {
			if row >= outLayout.Capacity() {
				if err := flush(); err != nil {
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
			col := 0
			_ = outView.WriteInt64(row, col, int64(jr.IntervalStart))
			col++
			_ = outView.WriteInt64(row, col, int64(jr.IntervalEnd))
			col++
			_ = outView.WriteInt64(row, col, jr.LeftKey)
			col++
			for _, v := range jr.LeftExtra {
				_ = outView.WriteInt64(row, col, v)
				col++
			}
			_ = outView.WriteInt64(row, col, jr.RightKey)
			col++
			for _, v := range jr.RightExtra {
				_ = outView.WriteInt64(row, col, v)
				col++
			}
			row++
		}
	}
	if err := flush(); err != nil {
		return err
	}

	handler.MaybeCleanRight()
	return nil
}
