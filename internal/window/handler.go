package window

import (
	"sync"
	"sync/atomic"

	"github.com/nebulastream/nebulastream-sub027/internal/cache"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// WindowType selects how window boundaries relate to slice boundaries (spec
// §4.F: "tumbling or sliding, per the window type").
type WindowType int

const (
	// Tumbling windows coincide with the slice grid: window size equals
	// slice size (or an exact multiple of it).
	Tumbling WindowType = iota
	// Sliding windows advance by a slide smaller than the window size;
	// constituent slices are combined at trigger time.
	Sliding
)

// OperatorHandler is the long-lived per-(pipeline, query) windowing state
// (spec §3 OperatorHandler, §4.E): the global slice store and the two
// watermark processors the build operator coordinates through. It
// implements plan.OperatorHandler via Stop.
type OperatorHandler struct {
	SliceSize       types.Timestamp
	WindowSize      types.Timestamp
	SlideSize       types.Timestamp
	AllowedLateness types.Timestamp
	WindowType      WindowType
	Aggregate       AggregateFunction

	// SliceCacheKind and SliceCacheCapacity configure the per-worker slice
	// cache fronting each worker's SliceStore (spec §4.F/§4.I). The zero
	// value (cache.None, 0) leaves the cache disabled, matching a handler
	// built before these fields existed.
	SliceCacheKind     cache.Kind
	SliceCacheCapacity int

	Global               *globalStore
	SourceWatermark      *MultiOriginWatermarkProcessor
	CrossThreadWatermark *MultiOriginWatermarkProcessor

	// eosTriggered guards the end-of-stream final flush (BuildStage.
	// Reconfigure) so that exactly one worker of the reconfiguration
	// broadcast performs it, even though every worker's Reconfigure call
	// forces its own local slices into the global store.
	eosTriggered atomic.Bool

	// perWorker holds each worker's SliceStore and watermark bookkeeping
	// (spec §4.F: "Per worker: a SliceStore of slices ordered by
	// start_ts"). This lives on the handler, not in the ephemeral
	// PipelineExecutionContext local-state scratch (spec §4.D: that scratch
	// is "cleared at stage exit", i.e. after every single Execute
	// invocation, but a SliceStore must survive across every buffer a
	// worker ever processes for this query).
	workersMu sync.Mutex
	perWorker map[types.WorkerThreadId]*workerState
}

// workerState is one worker's slice store plus the bookkeeping the build
// operator needs to drive its local watermark and cross-thread watermark
// updates (spec §4.F steps 5-8).
type workerState struct {
	store              *sliceStore
	lastLocalWatermark types.Timestamp
	crossThreadSeq     types.SequenceNumber
}

// workerStateFor returns (creating if absent) the SliceStore and watermark
// bookkeeping for worker.
func (h *OperatorHandler) workerStateFor(worker types.WorkerThreadId) *workerState {
	h.workersMu.Lock()
	defer h.workersMu.Unlock()
	if h.perWorker == nil {
		h.perWorker = map[types.WorkerThreadId]*workerState{}
	}
	ws, ok := h.perWorker[worker]
	if !ok {
		ws = &workerState{store: newSliceStore(h.SliceSize, cache.New(h.SliceCacheKind, h.SliceCacheCapacity))}
		h.perWorker[worker] = ws
	}
	return ws
}

// NewOperatorHandler builds a handler ready to be installed on a plan at
// setup time (spec §4.E): one per windowed pipeline stage and query.
func NewOperatorHandler(sliceSize, windowSize, slideSize, allowedLateness types.Timestamp, wt WindowType, agg AggregateFunction) *OperatorHandler {
	return &OperatorHandler{
		SliceSize:            sliceSize,
		WindowSize:           windowSize,
		SlideSize:            slideSize,
		AllowedLateness:      allowedLateness,
		WindowType:           wt,
		Aggregate:            agg,
		Global:               newGlobalStore(),
		SourceWatermark:      NewMultiOriginWatermarkProcessor(),
		CrossThreadWatermark: NewMultiOriginWatermarkProcessor(),
	}
}

// WithSliceCache enables the per-worker slice cache at kind/capacity and
// returns h for chaining off NewOperatorHandler (spec §4.F/§4.I). Must be
// called before the first worker touches the handler, since workerStateFor
// reads these fields only when lazily constructing a worker's SliceStore.
func (h *OperatorHandler) WithSliceCache(kind cache.Kind, capacity int) *OperatorHandler {
	h.SliceCacheKind = kind
	h.SliceCacheCapacity = capacity
	return h
}

// ClaimEOSFlush reports true for exactly one caller across the lifetime of
// the handler, letting a reconfiguration broadcast's N workers each merge
// their own local slices while only one of them performs the final window
// trigger.
func (h *OperatorHandler) ClaimEOSFlush() bool {
	return h.eosTriggered.CompareAndSwap(false, true)
}

// Stop implements plan.OperatorHandler; the handler owns no resources
// beyond in-process maps, so there is nothing to release explicitly -- the
// slice stores simply become unreachable with the plan.
func (h *OperatorHandler) Stop() {}

// WindowsBetween enumerates every window [s, e) that is now fully decided
// because the cross-thread watermark advanced from oldW to newW (spec
// §4.F step 4: "enumerate every window [s,e) with e <= W_new and
// s >= W_old").
func (h *OperatorHandler) WindowsBetween(oldW, newW types.Timestamp) []struct{ Start, End types.Timestamp } {
	size := h.WindowSize
	step := h.WindowSize
	if h.WindowType == Sliding && h.SlideSize > 0 {
		step = h.SlideSize
	}
	if size <= 0 || step <= 0 {
		return nil
	}
	var out []struct{ Start, End types.Timestamp }
	k := oldW / step
	if oldW%step != 0 {
		k++
	}
	for start := k * step; start+size <= newW; start += step {
		if start < oldW {
			continue
		}
		out = append(out, struct{ Start, End types.Timestamp }{start, start + size})
	}
	return out
}
