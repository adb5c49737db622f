// Package source implements the source runner (spec §4.B): the state
// machine that drives a data source instance, assigns origin IDs, stamps
// monotonic sequence numbers, propagates watermarks, and converts source
// termination into in-band stream events.
//
// Grounded on the original engine's DataSource (nes-runtime/src/Sources/
// DataSource.cpp): a single driver thread per source, a two-phase start
// (the thread signals it has begun runningRoutine before start() returns),
// cooperative-cancellation stop, and a close() that gates end-of-stream
// emission on termination type. Per spec §9, the original's inheritance
// hierarchy (DataSource -> SimpleBenchmarkSource, YSBBenchmarkSource,
// CSVSource, NetworkSource) is replaced with a single DataSource interface
// implemented by tagged variants; no deep hierarchy is needed.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/errs"
	"github.com/nebulastream/nebulastream-sub027/internal/log"
	"github.com/nebulastream/nebulastream-sub027/internal/plan"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// DataSource is the tagged-variant trait object spec §9 calls for: open,
// fill one buffer at a time, close, and report a kind for diagnostics.
// FillBuffer may block (e.g. a TCP read); Close must be able to unblock it
// so Stop can honor its non-blocking, bounded-time contract (spec §4.B:
// "sources that block indefinitely ... must be unblockable by stop").
type DataSource interface {
	Open(ctx context.Context) error
	// FillBuffer writes up to buf's capacity of records into buf and
	// returns (true, nil) if it produced data, (false, nil) on a clean
	// end-of-stream, or (false, err) on failure.
	FillBuffer(ctx context.Context, buf buffer.TupleBuffer) (bool, error)
	Close() error
	Kind() string
}

// Formatter optionally reformats/parses a freshly filled buffer before it
// is emitted (spec §4.B "optionally parse/format"), e.g. an input format
// parser bridging a CSV/JSON source into the engine's row layout. Sources
// that already produce laid-out records need not implement this.
type Formatter interface {
	Format(buf buffer.TupleBuffer) error
}

// Host is implemented by the query manager; it is the only way a Runner
// reaches the rest of the engine, avoiding an import cycle back to
// internal/querymanager.
type Host interface {
	// EmitBuffer hands buf to every successor target for queryID/originID.
	EmitBuffer(ctx context.Context, queryID types.QueryId, successors []plan.Target, buf buffer.TupleBuffer) error
	// AddEndOfStream injects an EoS reconfiguration of kind into every
	// successor target (spec §4.C addEndOfStream).
	AddEndOfStream(ctx context.Context, queryID types.QueryId, originID types.OriginId, successors []plan.Target, kind types.TerminationType) error
	// CanTriggerEndOfStream lets the query manager suppress a graceful EoS
	// while a query is mid redeploy (ported from DataSource::close()'s
	// queryManager->canTriggerEndOfStream gate).
	CanTriggerEndOfStream(queryID types.QueryId, originID types.OriginId, kind types.TerminationType) bool
	// NotifySourceFailure records a SourceOpenFailure/runtime failure and
	// fails the owning query (spec §7 SourceOpenFailure).
	NotifySourceFailure(queryID types.QueryId, originID types.OriginId, err error)
	// NotifySourceCompletion records that originID has fully stopped, for
	// stop_query's termination-future bookkeeping.
	NotifySourceCompletion(queryID types.QueryId, originID types.OriginId, kind types.TerminationType)
}

// Runner owns one driver goroutine for one source instance (spec §4.B "One
// runner per source instance").
type Runner struct {
	originID   types.OriginId
	queryID    types.QueryId
	impl       DataSource
	formatter  Formatter
	pool       *buffer.FixedSizeBufferPool
	host       Host
	successors []plan.Target

	running     atomic.Bool
	wasStarted  atomic.Bool
	stopCh      chan struct{}
	stoppedCh   chan struct{}
	startAckCh  chan struct{}

	seq             uint64
	terminationType types.TerminationType
	eosSent         atomic.Bool

	mu sync.Mutex

	logger *log.BufferedLogger
}

// NewRunner builds a Runner for originID reading from impl, publishing
// produced buffers to successors on behalf of queryID.
func NewRunner(queryID types.QueryId, originID types.OriginId, impl DataSource, formatter Formatter, pool *buffer.FixedSizeBufferPool, host Host, successors []plan.Target) *Runner {
	return &Runner{
		originID:   originID,
		queryID:    queryID,
		impl:       impl,
		formatter:  formatter,
		pool:       pool,
		host:       host,
		successors: successors,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
		startAckCh: make(chan struct{}),
		logger:     log.NewBufferedLogger(log.For("source")),
	}
}

// OriginID returns the origin this runner drives.
func (r *Runner) OriginID() types.OriginId { return r.originID }

// Start spawns the driver goroutine and blocks until it has acknowledged
// entering its loop (ported from DataSource::start()'s promise/future
// handshake), so a Stop arriving immediately after Start cannot race past
// an uninstalled stop channel.
func (r *Runner) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("source %v already running", r.originID)
	}
	r.wasStarted.Store(true)
	go r.runningRoutine(ctx)
	<-r.startAckCh
	return nil
}

// Stop requests termination and returns without waiting for the driver
// goroutine to finish (spec §4.B: "stop(kind) requests termination and is
// non-blocking"). Cancellation is cooperative: the driver checks stopCh
// between buffers, and Close() is expected to unblock any indefinitely
// blocking FillBuffer call.
func (r *Runner) Stop(kind types.TerminationType) {
	r.mu.Lock()
	r.terminationType = kind
	r.mu.Unlock()
	if r.running.CompareAndSwap(true, false) {
		close(r.stopCh)
	}
}

// Wait blocks until the driver goroutine has fully terminated (close()
// called, EoS handling complete) or ctx is done first.
func (r *Runner) Wait(ctx context.Context) error {
	select {
	case <-r.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) runningRoutine(ctx context.Context) {
	defer close(r.stoppedCh)
	close(r.startAckCh)

	if err := r.impl.Open(ctx); err != nil {
		// spec §4.B invariant iii: open failure emits a single Error event
		// and transitions to stopped without producing any data.
		r.logger.FlushAtError()
		r.host.NotifySourceFailure(r.queryID, r.originID, errs.New(errs.SourceOpenFailure, r.queryID, err))
		r.mu.Lock()
		r.terminationType = types.FailureStop
		r.mu.Unlock()
		r.close(ctx)
		return
	}

	for {
		select {
		case <-r.stopCh:
			r.close(ctx)
			return
		case <-ctx.Done():
			r.close(ctx)
			return
		default:
		}

		buf, err := r.pool.GetBufferBlocking(ctx)
		if err != nil {
			r.host.NotifySourceFailure(r.queryID, r.originID, errs.New(errs.BufferPoolExhausted, r.queryID, err))
			r.mu.Lock()
			r.terminationType = types.FailureStop
			r.mu.Unlock()
			r.close(ctx)
			return
		}

		produced, err := r.impl.FillBuffer(ctx, buf)
		if err != nil {
			buf.Release()
			r.host.NotifySourceFailure(r.queryID, r.originID, err)
			r.mu.Lock()
			r.terminationType = types.FailureStop
			r.mu.Unlock()
			r.close(ctx)
			return
		}
		if !produced {
			// Clean end of data: terminate as if Stop(Graceful) had been
			// called, unless a concurrent Stop already requested something
			// stricter.
			buf.Release()
			r.running.CompareAndSwap(true, false)
			r.close(ctx)
			return
		}

		if r.formatter != nil {
			if err := r.formatter.Format(buf); err != nil {
				buf.Release()
				r.host.NotifySourceFailure(r.queryID, r.originID, err)
				r.close(ctx)
				return
			}
		}

		r.stampMetadata(buf)
		if err := r.host.EmitBuffer(ctx, r.queryID, r.successors, buf); err != nil {
			r.logger.FlushAtError()
		}
	}
}

// stampMetadata sets origin_id, sequence_number, chunk_number, is_last_chunk
// and creation_ts (spec §4.B driver loop, §3 TupleBuffer invariant iv).
func (r *Runner) stampMetadata(buf buffer.TupleBuffer) {
	buf.SetOriginID(r.originID)
	r.seq++
	buf.SetSequenceNumber(types.SequenceNumber(r.seq))
	buf.SetChunkNumber(1)
	buf.SetLastChunk(true)
	buf.SetCreationTS(time.Now().UnixMilli())
}

// close emits end-of-stream exactly once per (origin_id, termination_kind)
// (spec §4.B invariant ii), gated on termination type the way the original
// DataSource::close() gates on canTriggerEndOfStream.
func (r *Runner) close(ctx context.Context) {
	_ = r.impl.Close()
	r.logger.FlushAtDebug()

	r.mu.Lock()
	kind := r.terminationType
	r.mu.Unlock()

	if kind != types.Graceful || r.host.CanTriggerEndOfStream(r.queryID, r.originID, kind) {
		if r.eosSent.CompareAndSwap(false, true) {
			if err := r.host.AddEndOfStream(ctx, r.queryID, r.originID, r.successors, kind); err != nil {
				r.logger.FlushAtError()
			}
			r.pool.Destroy()
			r.host.NotifySourceCompletion(r.queryID, r.originID, kind)
		}
	}
}
