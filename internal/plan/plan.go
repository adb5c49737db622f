// Package plan defines the executable query plan data model (spec §3):
// a DAG of ExecutablePipelineStage nodes rooted at sources and terminating
// at sinks, plus the long-lived OperatorHandler state attached to stages.
package plan

import (
	"context"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// Status is the lifecycle state of an ExecutableQueryPlan (spec §3:
// Registered -> Running -> Stopped | Failed).
type Status int

const (
	Registered Status = iota
	Running
	Stopped
	Failed
)

func (s Status) String() string {
	switch s {
	case Registered:
		return "Registered"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ContinuationPolicy governs whether emitting a buffer to the next stage
// may be inlined into the current worker's call stack or must cross a task
// boundary (spec §4.D).
type ContinuationPolicy int

const (
	// Possible: the query manager may inline the next stage's execution.
	Possible ContinuationPolicy = iota
	// Required: a new task must be enqueued for the next stage.
	Required
)

// ExecutionContext is the subset of internal/execctx.Context a stage's
// entry points need; defined here (rather than imported) to avoid an
// import cycle between plan and execctx, which both need each other's
// types (execctx.Context embeds *Pipeline and *Plan).
type ExecutionContext interface {
	WorkerThreadID() types.WorkerThreadId
	AllocateBuffer(ctx context.Context) (buffer.TupleBuffer, error)
	EmitBuffer(ctx context.Context, buf buffer.TupleBuffer, policy ContinuationPolicy) error
	GlobalOperatorHandler(idx types.OperatorHandlerIndex) OperatorHandler
	// SetLocalOperatorState/GetLocalState expose per-(worker, operator)
	// scratch state cleared at stage exit (spec §4.D).
	SetLocalOperatorState(idx types.OperatorHandlerIndex, state any)
	GetLocalState(idx types.OperatorHandlerIndex) (any, bool)
}

// Stage is the opaque compiled function plus lifecycle hooks the query
// compiler hands the engine (spec §3 ExecutablePipelineStage, §6 "Stages
// expose three entry points"). Setup/Stop return a nonzero code on
// failure, mirroring the C ABI the original engine was built against.
type Stage interface {
	Setup(ctx ExecutionContext) uint32
	Execute(ctx context.Context, buf buffer.TupleBuffer, ec ExecutionContext) error
	Stop(ctx ExecutionContext) uint32
}

// OperatorHandler is long-lived state attached to a specific pipeline stage
// and query, accessed concurrently by multiple workers (spec §3, §4.E).
// Its only required method is Stop; concrete handlers
// (internal/window.OperatorHandler, internal/join.OperatorHandler) type
// assert to their own concrete type after GlobalOperatorHandler.
type OperatorHandler interface {
	// Stop releases any resources the handler owns (slice stores, interval
	// stores, caches) when its pipeline stops.
	Stop()
}

// Target is either another Pipeline or a terminal Sink.
type Target struct {
	Pipeline *Pipeline
	Sink     Sink
}

// Sink is a terminal consumer of buffers leaving the plan. Concrete sinks
// (internal/sinks, internal/network.NetworkSink) implement this; per spec
// §1 physical sinks are otherwise external collaborators.
type Sink interface {
	Open() error
	Write(ctx context.Context, buf buffer.TupleBuffer) error
	Close() error
}

// Pipeline is one node of the plan's DAG.
type Pipeline struct {
	ID           types.PipelineId
	Stage        Stage
	Predecessors []types.PipelineId
	Successors   []Target
	// HandlerIndices lists, in order, the OperatorHandlerIndex values this
	// pipeline's stage may look up via GlobalOperatorHandler.
	HandlerIndices []types.OperatorHandlerIndex
}

// SourceBinding pairs an OriginId with the opaque source implementation
// (internal/source.Implementation) and that source's successor targets.
// Defined generically here (interface{} for Implementation) to avoid a
// plan<->source import cycle; internal/source casts back to its own type.
type SourceBinding struct {
	OriginID       types.OriginId
	Implementation interface{}
	Successors     []Target
	SchemaBuffer   int // reserved local pool size for this source
}

// Plan is an ExecutableQueryPlan: a DAG of Pipelines rooted at sources.
type Plan struct {
	ID       types.QueryId
	Sources  []SourceBinding
	Pipelines []*Pipeline
	Handlers  []OperatorHandler

	Status Status
}

// TopologicalPipelines returns Pipelines ordered sinks-first (spec §4.C
// start_query: "invokes setup on every stage in topological order (sinks
// first, then pipelines, then sources)"). Since Target already distinguishes
// Sink from Pipeline, this returns pipelines ordered so that a pipeline
// with no remaining successors among unprocessed pipelines comes first,
// i.e. a reverse topological (leaves-first) order over the pipeline DAG.
func (p *Plan) TopologicalPipelines() []*Pipeline {
	visited := make(map[types.PipelineId]bool, len(p.Pipelines))
	byID := make(map[types.PipelineId]*Pipeline, len(p.Pipelines))
	for _, pl := range p.Pipelines {
		byID[pl.ID] = pl
	}
	var order []*Pipeline
	var visit func(pl *Pipeline)
	visit = func(pl *Pipeline) {
		if visited[pl.ID] {
			return
		}
		visited[pl.ID] = true
		for _, t := range pl.Successors {
			if t.Pipeline != nil {
				visit(t.Pipeline)
			}
		}
		order = append(order, pl)
	}
	for _, pl := range p.Pipelines {
		visit(pl)
	}
	return order
}
