package querymanager

import (
	"context"
	"fmt"
	"time"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/errs"
	"github.com/nebulastream/nebulastream-sub027/internal/execctx"
	"github.com/nebulastream/nebulastream-sub027/internal/plan"
	"github.com/nebulastream/nebulastream-sub027/internal/source"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// RegisterQuery transitions p to Registered, indexes its sources, and
// allocates its statistics entry; no tasks are dispatched (spec §4.C).
func (m *Manager) RegisterQuery(p *plan.Plan) error {
	if p == nil {
		return errs.New(errs.InvalidPlan, 0, fmt.Errorf("nil plan"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queries[p.ID]; exists {
		return errs.New(errs.InvalidPlan, p.ID, fmt.Errorf("query %v already registered", p.ID))
	}
	for _, s := range p.Sources {
		if existing := m.sourceToQueries[s.OriginID]; len(existing) > 0 {
			return errs.New(errs.InvalidPlan, p.ID, fmt.Errorf("duplicate origin id %v", s.OriginID))
		}
	}

	qs := &queryState{
		plan:             p,
		statistics:       newQueryStatistics(p.ID),
		sources:          map[types.OriginId]*source.Runner{},
		completedOrigins: map[types.OriginId]bool{},
		terminationCh:    make(chan struct{}),
	}
	for _, sb := range p.Sources {
		m.sourceToQueries[sb.OriginID] = append(m.sourceToQueries[sb.OriginID], p.ID)
	}
	p.Status = plan.Registered
	m.queries[p.ID] = qs
	logger.Debug("query registered", "query", p.ID, "sources", len(p.Sources), "pipelines", len(p.Pipelines))
	return nil
}

// StartQuery invokes setup on every stage in topological (sinks-first,
// then pipelines, then sources) order, transitions to Running, and starts
// all sources (spec §4.C).
func (m *Manager) StartQuery(ctx context.Context, id types.QueryId) error {
	m.mu.RLock()
	qs := m.queries[id]
	m.mu.RUnlock()
	if qs == nil {
		return errs.New(errs.InvalidPlan, id, fmt.Errorf("unknown query"))
	}
	qs.mu.Lock()
	if qs.plan.Status != plan.Registered {
		qs.mu.Unlock()
		return fmt.Errorf("query %v not in Registered state (is %v)", id, qs.plan.Status)
	}
	qs.mu.Unlock()

	// Setup in sinks-first, pipelines, then sources order. Pipelines are
	// already ordered leaves(sinks)-first by TopologicalPipelines; sinks
	// attached as Targets don't carry a separate Setup hook in this port
	// (concrete Sink implementations open lazily in Write, or eagerly in
	// Open if they choose), matching spec §4.C's intent that data sinks
	// start before pipelines which start before sources.
	for _, pl := range qs.plan.TopologicalPipelines() {
		ec := execctxForSetup(m, id, pl, qs.plan)
		if code := pl.Stage.Setup(ec); code != 0 {
			return fmt.Errorf("setup failed for pipeline %v: code %d", pl.ID, code)
		}
	}

	for _, sb := range qs.plan.Sources {
		runner, ok := sb.Implementation.(*source.Runner)
		if !ok {
			return errs.New(errs.InvalidPlan, id, fmt.Errorf("source %v implementation is not a *source.Runner", sb.OriginID))
		}
		qs.mu.Lock()
		qs.sources[sb.OriginID] = runner
		qs.mu.Unlock()
		if err := runner.Start(ctx); err != nil {
			return fmt.Errorf("starting source %v: %w", sb.OriginID, err)
		}
	}

	qs.mu.Lock()
	qs.statistics.SetStartTimestampOnce(time.Now().UnixMilli())
	qs.plan.Status = plan.Running
	qs.mu.Unlock()
	logger.Debug("query started", "query", id)
	return nil
}

// StopQuery stops all sources for id, injects an EoS reconfiguration of
// kind into every successor target, awaits termination within a bounded
// deadline, calls Stop on every stage, and transitions to Stopped (or
// Failed on timeout) (spec §4.C). Calling it twice is a no-op success
// (testable property: "Double-stop is a no-op returning success").
func (m *Manager) StopQuery(ctx context.Context, id types.QueryId, kind types.TerminationType) error {
	m.mu.RLock()
	qs := m.queries[id]
	m.mu.RUnlock()
	if qs == nil {
		return errs.New(errs.InvalidPlan, id, fmt.Errorf("unknown query"))
	}

	qs.mu.Lock()
	switch qs.plan.Status {
	case plan.Stopped, plan.Failed:
		qs.mu.Unlock()
		return nil
	}
	sources := make([]*source.Runner, 0, len(qs.sources))
	for _, r := range qs.sources {
		sources = append(sources, r)
	}
	qs.mu.Unlock()

	for _, r := range sources {
		r.Stop(kind)
	}

	if kind == types.HardStop || kind == types.FailureStop {
		for _, pl := range qs.plan.Pipelines {
			ec := execctxForSetup(m, id, pl, qs.plan)
			_ = pl.Stage.Stop(ec)
		}
	}

	select {
	case <-qs.terminationCh:
	case <-time.After(terminationDeadline):
		qs.mu.Lock()
		qs.plan.Status = plan.Failed
		qs.mu.Unlock()
		return fmt.Errorf("query %v did not terminate within deadline", id)
	case <-ctx.Done():
		return ctx.Err()
	}

	if kind == types.Graceful {
		for _, pl := range qs.plan.Pipelines {
			ec := execctxForSetup(m, id, pl, qs.plan)
			_ = pl.Stage.Stop(ec)
		}
	}

	qs.mu.Lock()
	if kind == types.FailureStop {
		qs.plan.Status = plan.Failed
	} else {
		qs.plan.Status = plan.Stopped
	}
	qs.mu.Unlock()
	logger.Debug("query stopped", "query", id, "kind", kind)
	return nil
}

// UnregisterQuery releases handler storage for a terminal query (spec
// §4.C). Testable property 3: "the query's handler storage is released by
// the next unregister_query call."
func (m *Manager) UnregisterQuery(id types.QueryId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, ok := m.queries[id]
	if !ok {
		return errs.New(errs.InvalidPlan, id, fmt.Errorf("unknown query"))
	}
	qs.mu.Lock()
	status := qs.plan.Status
	qs.mu.Unlock()
	if status != plan.Stopped && status != plan.Failed && status != plan.Registered {
		return fmt.Errorf("query %v not in a terminal state (is %v)", id, status)
	}
	for _, sb := range qs.plan.Sources {
		delete(m.sourceToQueries, sb.OriginID)
	}
	for _, h := range qs.plan.Handlers {
		if h != nil {
			h.Stop()
		}
	}
	delete(m.queries, id)
	return nil
}

// AddWork enqueues a data task (buffer, target) (spec §4.C add_work).
func (m *Manager) AddWork(ctx context.Context, queryID types.QueryId, target plan.Target, buf buffer.TupleBuffer) error {
	select {
	case m.tasks <- task{kind: dataTaskKind, queryID: queryID, target: target, buf: buf}:
		return nil
	case <-m.ctx.Done():
		buf.Release()
		return fmt.Errorf("query manager shutting down")
	case <-ctx.Done():
		buf.Release()
		return ctx.Err()
	}
}

// AddReconfigurationMessage enqueues one reconfiguration task per worker so
// that every worker processes it exactly once; if blocking, waits until all
// workers have acknowledged (spec §4.C add_reconfiguration_message).
// Because workers all pull from the same FIFO task channel, and exactly
// m.workers reconfiguration tasks are enqueued here, any data tasks already
// in the channel when this is called are guaranteed to have been dequeued
// (by some worker) before the last reconfiguration task is dequeued -- the
// ordering guarantee spec §4.C and §5 describe.
func (m *Manager) AddReconfigurationMessage(ctx context.Context, queryID types.QueryId, msg ReconfigurationMessage, blocking bool) error {
	ack := newAckGroup(m.workers)
	for i := 0; i < m.workers; i++ {
		select {
		case m.tasks <- task{kind: reconfigTaskKind, queryID: queryID, target: msg.Target, msg: msg, ack: ack}:
		case <-m.ctx.Done():
			return fmt.Errorf("query manager shutting down")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if blocking {
		select {
		case <-ack.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// execctxForSetup builds a PipelineExecutionContext for a Setup/Stop hook
// invocation outside the normal worker task-dispatch path. Worker 0's local
// pool is reused since Setup/Stop are not expected to allocate heavily.
func execctxForSetup(m *Manager, queryID types.QueryId, pl *plan.Pipeline, p *plan.Plan) plan.ExecutionContext {
	return execctx.New(0, queryID, pl, p, m.localPoolFor(0), m, m.locals)
}
