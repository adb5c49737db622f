// Package execctx implements PipelineExecutionContext (spec §4.D): the
// per-invocation object passed to a stage's Execute, exposing buffer
// allocation, emission, operator-handler lookup, and per-(worker,operator)
// local scratch state.
package execctx

import (
	"context"
	"sync"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/plan"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// Emitter is implemented by the query manager; it is the only way a
// Context can hand a buffer to the next stage, keeping this package free
// of an import cycle back to internal/querymanager.
type Emitter interface {
	Emit(ctx context.Context, queryID types.QueryId, target plan.Target, buf buffer.TupleBuffer, policy plan.ContinuationPolicy) error
}

// LocalPool is the subset of buffer.FixedSizeBufferPool a Context needs.
type LocalPool interface {
	GetBufferBlocking(ctx context.Context) (buffer.TupleBuffer, error)
}

// localStateKey identifies one (worker, operator-handler-index) scratch
// slot.
type localStateKey struct {
	worker types.WorkerThreadId
	idx    types.OperatorHandlerIndex
}

// LocalStateStore is shared by every Context for the same worker pool
// across the lifetime of a query; the query manager clears the relevant
// entries for a worker when a stage invocation returns (spec §4.D:
// "per-(worker, operator) scratch, cleared at stage exit").
type LocalStateStore struct {
	mu    sync.Mutex
	state map[localStateKey]any
}

func (s *LocalStateStore) set(key localStateKey, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = v
}

func (s *LocalStateStore) get(key localStateKey) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok
}

func (s *LocalStateStore) clear(worker types.WorkerThreadId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.state {
		if k.worker == worker {
			delete(s.state, k)
		}
	}
}

// Context implements plan.ExecutionContext for one stage invocation.
type Context struct {
	workerID types.WorkerThreadId
	queryID  types.QueryId
	pipeline *plan.Pipeline
	planRef  *plan.Plan
	pool     LocalPool
	emitter  Emitter
	locals   *LocalStateStore
}

// New builds a Context for one invocation of pipeline's stage on worker.
func New(workerID types.WorkerThreadId, queryID types.QueryId, pipeline *plan.Pipeline, planRef *plan.Plan, pool LocalPool, emitter Emitter, locals *LocalStateStore) *Context {
	return &Context{
		workerID: workerID,
		queryID:  queryID,
		pipeline: pipeline,
		planRef:  planRef,
		pool:     pool,
		emitter:  emitter,
		locals:   locals,
	}
}

// NewLocalStateStore constructs the per-worker-pool scratch store; the
// query manager owns one instance and passes it to every Context it builds.
func NewLocalStateStore() *LocalStateStore {
	return &LocalStateStore{state: map[localStateKey]any{}}
}

func (c *Context) WorkerThreadID() types.WorkerThreadId { return c.workerID }

// AllocateBuffer draws from the per-worker local pool (spec §4.D).
func (c *Context) AllocateBuffer(ctx context.Context) (buffer.TupleBuffer, error) {
	return c.pool.GetBufferBlocking(ctx)
}

// EmitBuffer hands buf to the query manager for dispatch to the next stage
// (spec §4.D).
func (c *Context) EmitBuffer(ctx context.Context, buf buffer.TupleBuffer, policy plan.ContinuationPolicy) error {
	for _, t := range c.pipeline.Successors {
		if err := c.emitter.Emit(ctx, c.queryID, t, buf.Retain(), policy); err != nil {
			return err
		}
	}
	return nil
}

// GlobalOperatorHandler returns the typed handler stored on the plan at idx
// (spec §4.D).
func (c *Context) GlobalOperatorHandler(idx types.OperatorHandlerIndex) plan.OperatorHandler {
	if int(idx) < 0 || int(idx) >= len(c.planRef.Handlers) {
		return nil
	}
	return c.planRef.Handlers[idx]
}

// SetLocalOperatorState stores per-(worker, operator) scratch visible only
// to this worker for the lifetime of the current dispatch round (spec
// §4.D).
func (c *Context) SetLocalOperatorState(idx types.OperatorHandlerIndex, state any) {
	c.locals.set(localStateKey{worker: c.workerID, idx: idx}, state)
}

// GetLocalState retrieves scratch previously stored with
// SetLocalOperatorState, or (nil, false) if absent.
func (c *Context) GetLocalState(idx types.OperatorHandlerIndex) (any, bool) {
	return c.locals.get(localStateKey{worker: c.workerID, idx: idx})
}

// ClearLocalState clears every scratch slot for worker, called by the
// query manager after a stage invocation returns.
func ClearLocalState(store *LocalStateStore, worker types.WorkerThreadId) {
	store.clear(worker)
}
