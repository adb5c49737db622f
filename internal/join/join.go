// Package join implements the interval join engine (spec §4.G): a sequence
// of per-tumbling-window Interval objects, each holding a consolidated
// left-side paged vector and a per-worker right-side paged vector, probed
// on a trigger carrying an interval_id. Grounded on the same
// slice-store-plus-mutex discipline internal/window uses for its global
// store (spec §5: "Paged vectors inside join intervals are per-worker on
// the build side and consolidated at probe time").
package join

import (
	"sort"
	"sync"

	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// Row is one join-side record: a join key, an event-time timestamp, and the
// remaining field values in schema order (everything but key and ts).
type Row struct {
	Key   int64
	TS    types.Timestamp
	Extra []int64
}

const defaultPageSize = 256

// page is one fixed-capacity segment of a pagedVector.
type page struct {
	rows []Row
}

// pagedVector is an append-only sequence of pages (spec §4.G: "a left-side
// paged vector and a per-worker right-side paged vector"). Appending never
// touches earlier pages; Consolidate merges every page into one so probe
// can iterate a single logical page, matching "build has consolidated to
// one" for the left side.
type pagedVector struct {
	pageSize int
	pages    []*page
}

func newPagedVector(pageSize int) *pagedVector {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &pagedVector{pageSize: pageSize}
}

func (pv *pagedVector) Append(r Row) {
	if len(pv.pages) == 0 || len(pv.pages[len(pv.pages)-1].rows) >= pv.pageSize {
		pv.pages = append(pv.pages, &page{rows: make([]Row, 0, pv.pageSize)})
	}
	last := pv.pages[len(pv.pages)-1]
	last.rows = append(last.rows, r)
}

func (pv *pagedVector) Len() int {
	n := 0
	for _, p := range pv.pages {
		n += len(p.rows)
	}
	return n
}

// Rows returns every row across every page, in append order.
func (pv *pagedVector) Rows() []Row {
	out := make([]Row, 0, pv.Len())
	for _, p := range pv.pages {
		out = append(out, p.rows...)
	}
	return out
}

// Consolidate merges every page into a single page (spec §4.G: "build has
// consolidated to one").
func (pv *pagedVector) Consolidate() {
	if len(pv.pages) <= 1 {
		return
	}
	merged := &page{rows: pv.Rows()}
	pv.pages = []*page{merged}
}

// RetainFrom drops every row with TS < expiration, rebuilding the page list
// in place (spec §4.G cleanup: "rebuild the right-side paged vector,
// dropping tuples with ts < expiration").
func (pv *pagedVector) RetainFrom(expiration types.Timestamp) {
	kept := make([]Row, 0, pv.Len())
	for _, r := range pv.Rows() {
		if r.TS >= expiration {
			kept = append(kept, r)
		}
	}
	pv.pages = nil
	if len(kept) > 0 {
		pv.pages = []*page{{rows: kept}}
	}
}

// State is an Interval's lifecycle stage.
type State int

const (
	Open State = iota
	MarkedForDeletion
	Deleted
)

// Interval is one tumbling-window bucket of the join (spec §4.G: "a
// sequence of Interval objects, one per tumbling window").
type Interval struct {
	ID    int64
	Start types.Timestamp
	End   types.Timestamp

	mu    sync.Mutex
	Left  *pagedVector
	Right map[types.WorkerThreadId]*pagedVector
	State State
}

func newInterval(id int64, start, end types.Timestamp) *Interval {
	return &Interval{
		ID:    id,
		Start: start,
		End:   end,
		Left:  newPagedVector(defaultPageSize),
		Right: make(map[types.WorkerThreadId]*pagedVector),
	}
}

func (iv *Interval) rightFor(worker types.WorkerThreadId) *pagedVector {
	pv, ok := iv.Right[worker]
	if !ok {
		pv = newPagedVector(defaultPageSize)
		iv.Right[worker] = pv
	}
	return pv
}

// JoinedRecord is one probe output: an interval-bounded pairing of a left
// and a right row whose keys matched the predicate.
type JoinedRecord struct {
	IntervalStart types.Timestamp
	IntervalEnd   types.Timestamp
	LeftKey       int64
	LeftExtra     []int64
	RightKey      int64
	RightExtra    []int64
}

// Predicate decides whether a left row and a right row join. Equality on
// the key field (spec §8 S3: "predicate left.id == right.id") is the
// common case and is the zero value's behavior via DefaultPredicate.
type Predicate func(leftKey, rightKey int64) bool

// DefaultPredicate implements left.key == right.key.
func DefaultPredicate(leftKey, rightKey int64) bool { return leftKey == rightKey }

// OperatorHandler is the long-lived per-(pipeline, query) join state (spec
// §3 JoinOperatorHandler, §4.G).
type OperatorHandler struct {
	IntervalSize types.Timestamp
	Predicate    Predicate

	// CleanupLateness bounds how long a right-side row survives past an
	// interval's end before it becomes eligible for expiration (mirrors
	// window.OperatorHandler.AllowedLateness).
	CleanupLateness types.Timestamp

	mu        sync.Mutex
	intervals map[int64]*Interval

	// smallestIntervalStartSeen/latestRightCleanTS gate cleanup so it runs
	// only when warranted, not unconditionally on every probe (spec §4.G,
	// IJProbe.cpp's checkIfCleanIsOutstandingProxy/getExpirationTimeProxy).
	smallestIntervalStartSeen types.Timestamp
	latestRightCleanTS        types.Timestamp
	haveSeenInterval          bool
}

// NewOperatorHandler builds a handler ready to be installed on a plan.
func NewOperatorHandler(intervalSize types.Timestamp, predicate Predicate, cleanupLateness types.Timestamp) *OperatorHandler {
	if predicate == nil {
		predicate = DefaultPredicate
	}
	return &OperatorHandler{
		IntervalSize:    intervalSize,
		Predicate:       predicate,
		CleanupLateness: cleanupLateness,
		intervals:       make(map[int64]*Interval),
	}
}

func alignDown(ts, size types.Timestamp) types.Timestamp {
	if size <= 0 {
		return ts
	}
	q := ts / size
	if ts < 0 && ts%size != 0 {
		q--
	}
	return q * size
}

// intervalFor resolves (lazily creating) the Interval covering ts.
func (h *OperatorHandler) intervalFor(ts types.Timestamp) *Interval {
	start := alignDown(ts, h.IntervalSize)
	end := start + h.IntervalSize
	id := int64(start)

	h.mu.Lock()
	defer h.mu.Unlock()
	iv, ok := h.intervals[id]
	if !ok {
		iv = newInterval(id, start, end)
		h.intervals[id] = iv
	}
	// Tracks the most advanced interval start touched so far, standing in
	// for stream progress: new builds arrive in roughly non-decreasing
	// timestamp order, so this only moves forward and gates cleanup the
	// same way a watermark would.
	if !h.haveSeenInterval || start > h.smallestIntervalStartSeen {
		h.smallestIntervalStartSeen = start
		h.haveSeenInterval = true
	}
	return iv
}

// BuildLeft appends a left-side row to the interval covering r.TS, and
// returns the interval_id a trigger task would later carry.
func (h *OperatorHandler) BuildLeft(r Row) int64 {
	iv := h.intervalFor(r.TS)
	iv.mu.Lock()
	iv.Left.Append(r)
	iv.mu.Unlock()
	return iv.ID
}

// BuildRight appends a right-side row to worker's per-worker paged vector
// in the interval covering r.TS.
func (h *OperatorHandler) BuildRight(worker types.WorkerThreadId, r Row) int64 {
	iv := h.intervalFor(r.TS)
	iv.mu.Lock()
	iv.rightFor(worker).Append(r)
	iv.mu.Unlock()
	return iv.ID
}

// Probe resolves intervalID, consolidates the left side, iterates every
// worker's right-side paged vector, evaluates the predicate, and returns
// every joined record (spec §4.G probe steps 1-2). It then marks the
// interval MarkedForDeletion (step 3).
func (h *OperatorHandler) Probe(intervalID int64) []JoinedRecord {
	h.mu.Lock()
	iv, ok := h.intervals[intervalID]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	iv.mu.Lock()
	defer iv.mu.Unlock()

	iv.Left.Consolidate()
	left := iv.Left.Rows()

	var out []JoinedRecord
	for _, l := range left {
		for _, rightPV := range iv.Right {
			for _, r := range rightPV.Rows() {
				if h.Predicate(l.Key, r.Key) {
					out = append(out, JoinedRecord{
						IntervalStart: iv.Start,
						IntervalEnd:   iv.End,
						LeftKey:       l.Key,
						LeftExtra:     l.Extra,
						RightKey:      r.Key,
						RightExtra:    r.Extra,
					})
				}
			}
		}
	}
	iv.State = MarkedForDeletion
	return out
}

// MaybeCleanRight rebuilds every still-open interval's right-side paged
// vectors, dropping rows older than the cleanup expiration, but only when
// the smallest interval-start observed has moved past the last cleanup
// point (spec §4.G: "if the smallest interval-start seen exceeds
// latest_right_clean_ts, rebuild ... "). Called once per probe task.
func (h *OperatorHandler) MaybeCleanRight() {
	h.mu.Lock()
	if !h.haveSeenInterval || h.smallestIntervalStartSeen <= h.latestRightCleanTS {
		h.mu.Unlock()
		return
	}
	expiration := h.smallestIntervalStartSeen - h.CleanupLateness
	h.latestRightCleanTS = h.smallestIntervalStartSeen
	intervals := make([]*Interval, 0, len(h.intervals))
	for _, iv := range h.intervals {
		intervals = append(intervals, iv)
	}
	h.mu.Unlock()

	sort.Slice(intervals, func(i, j int) bool { return intervals[i].Start < intervals[j].Start })
	for _, iv := range intervals {
		iv.mu.Lock()
		if iv.State == Open {
			for _, pv := range iv.Right {
				pv.RetainFrom(expiration)
			}
		}
		iv.mu.Unlock()
	}
}

// Terminate deletes every interval (spec §4.G: "on terminate, delete all
// intervals").
func (h *OperatorHandler) Terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, iv := range h.intervals {
		iv.mu.Lock()
		iv.State = Deleted
		iv.mu.Unlock()
	}
	h.intervals = make(map[int64]*Interval)
}

// Stop implements plan.OperatorHandler.
func (h *OperatorHandler) Stop() { h.Terminate() }

// IntervalCount reports how many intervals are currently tracked (test
// observability only).
func (h *OperatorHandler) IntervalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.intervals)
}
