package querymanager

import (
	"context"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/errs"
	"github.com/nebulastream/nebulastream-sub027/internal/plan"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// Emit implements execctx.Emitter: a stage handed its buffer to the next
// target via PipelineExecutionContext.EmitBuffer (spec §4.D). Required
// policy always crosses a task boundary; Possible is still dispatched
// through the task queue here since this port has no notion of stealing
// the current goroutine's stack for the next stage -- Required and
// Possible are therefore equivalent on this engine (documented §4.D open
// question: always go through add_work).
func (m *Manager) Emit(ctx context.Context, queryID types.QueryId, target plan.Target, buf buffer.TupleBuffer, policy plan.ContinuationPolicy) error {
	return m.AddWork(ctx, queryID, target, buf)
}

// EmitBuffer implements source.Host: hand a freshly produced buffer to every
// successor of the originating source (spec §4.B driver loop).
func (m *Manager) EmitBuffer(ctx context.Context, queryID types.QueryId, successors []plan.Target, buf buffer.TupleBuffer) error {
	if len(successors) == 0 {
		buf.Release()
		return nil
	}
	for i, t := range successors {
		b := buf
		if i < len(successors)-1 {
			b = buf.Retain()
		}
		if err := m.AddWork(ctx, queryID, t, b); err != nil {
			return err
		}
	}
	return nil
}

// AddEndOfStream implements source.Host: broadcasts an EoS reconfiguration
// of kind to every successor target, blocking until every worker has
// acknowledged it (spec §4.C addEndOfStream / add_reconfiguration_message).
func (m *Manager) AddEndOfStream(ctx context.Context, queryID types.QueryId, originID types.OriginId, successors []plan.Target, kind types.TerminationType) error {
	rt := reconfigurationTypeFor(kind)
	for _, t := range successors {
		msg := ReconfigurationMessage{QueryID: queryID, Type: rt, Target: t, UserData: originID}
		if err := m.AddReconfigurationMessage(ctx, queryID, msg, true); err != nil {
			return err
		}
	}
	return nil
}

// CanTriggerEndOfStream implements source.Host. This port has no redeploy
// path that would need to suppress a graceful EoS, so it always permits it;
// the gate exists so a future migration/redeploy feature has a hook without
// changing the source.Host interface.
func (m *Manager) CanTriggerEndOfStream(queryID types.QueryId, originID types.OriginId, kind types.TerminationType) bool {
	return true
}

// NotifySourceFailure implements source.Host: records the failure and fails
// the owning query (spec §7 SourceOpenFailure). The Runner itself still
// drives close() -> AddEndOfStream -> NotifySourceCompletion for this
// origin, so completion bookkeeping is not duplicated here.
func (m *Manager) NotifySourceFailure(queryID types.QueryId, originID types.OriginId, err error) {
	logger.Error("source failure", "query", queryID, "origin", originID, "err", err)
	cause := err
	if _, ok := err.(*errs.EngineError); !ok {
		cause = errs.New(errs.SourceOpenFailure, queryID, err)
	}
	m.failQueryAsync(queryID, cause)
}

// NotifySourceCompletion implements source.Host: records originID as
// terminated and, once every source of the query has reported completion,
// closes the query's termination future that stop_query awaits (spec §4.C).
func (m *Manager) NotifySourceCompletion(queryID types.QueryId, originID types.OriginId, kind types.TerminationType) {
	m.mu.RLock()
	qs := m.queries[queryID]
	m.mu.RUnlock()
	if qs == nil {
		return
	}

	qs.mu.Lock()
	qs.completedOrigins[originID] = true
	allDone := len(qs.completedOrigins) >= len(qs.sources)
	qs.mu.Unlock()

	if allDone {
		qs.terminationOnce.Do(func() { close(qs.terminationCh) })
	}
}
