package window

import (
	"sync"

	"github.com/nebulastream/nebulastream-sub027/internal/cache"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// localSlice is one per-worker slice: a half-open [start, end) interval with
// per-key partial aggregates (spec §3 Slice, §4.F thread-local
// pre-aggregation).
type localSlice struct {
	start, end types.Timestamp
	partials   map[int64]any
}

// sliceStore is one worker's SliceStore, slices ordered by start_ts (spec
// §4.F "Per worker: a SliceStore of slices ordered by start_ts"). cache
// fronts the "locate the slice covering ts" step with a bounded
// timestamp->slice lookup (spec §4.F/§4.I, AggregationBuildCache.cpp): a hit
// skips straight to the lift, a miss falls through to the full
// extend-and-locate walk below and repopulates the cache from its result, so
// enabling or disabling it only moves entries between hits and misses and
// never changes which *localSlice a record lands in (testable property 7).
type sliceStore struct {
	sliceSize types.Timestamp
	slices    []*localSlice
	cache     cache.Policy
	hits      int64
	misses    int64
}

func newSliceStore(sliceSize types.Timestamp, policy cache.Policy) *sliceStore {
	if policy == nil {
		policy = cache.New(cache.None, 0)
	}
	return &sliceStore{sliceSize: sliceSize, cache: policy}
}

// CacheHits and CacheMisses report the slice cache's hit/miss counters.
func (s *sliceStore) CacheHits() int64   { return s.hits }
func (s *sliceStore) CacheMisses() int64 { return s.misses }

// Insert locates (extending the store forward if needed) the slice covering
// ts and lifts value into key's partial aggregate (spec §4.F steps 1-4).
// Records older than the store's first slice are dropped as too late; the
// forward-extension model spec §4.F describes has no notion of retreating
// the store's start.
func (s *sliceStore) Insert(ts types.Timestamp, key int64, value int64, agg AggregateFunction) {
	slot := int64(alignDown(ts, s.sliceSize))
	if cached, ok := s.cache.Get(slot); ok {
		if sl, ok := cached.(*localSlice); ok && len(s.slices) > 0 &&
			sl.start >= s.slices[0].start && ts >= sl.start && ts < sl.end {
			s.hits++
			lift(sl, key, value, agg)
			return
		}
	}
	s.misses++

	if len(s.slices) == 0 {
		start := alignDown(ts, s.sliceSize)
		s.slices = append(s.slices, &localSlice{start: start, end: start + s.sliceSize, partials: map[int64]any{}})
	}
	last := s.slices[len(s.slices)-1]
	for last.end <= ts {
		next := &localSlice{start: last.end, end: last.end + s.sliceSize, partials: map[int64]any{}}
		s.slices = append(s.slices, next)
		last = next
	}
	first := s.slices[0]
	if ts < first.start {
		return
	}
	index := int((ts - first.start) / s.sliceSize)
	if index < 0 || index >= len(s.slices) {
		return
	}
	sl := s.slices[index]
	lift(sl, key, value, agg)
	s.cache.Put(slot, sl)
}

func lift(sl *localSlice, key int64, value int64, agg AggregateFunction) {
	acc, ok := sl.partials[key]
	if !ok {
		acc = agg.Reset()
	}
	sl.partials[key] = agg.Lift(acc, value)
}

// DrainUpTo removes and returns every local slice with end <= watermark,
// leaving later slices in place (spec §4.F step 2: "for each local slice
// with end <= W ... discard the local slice").
func (s *sliceStore) DrainUpTo(watermark types.Timestamp) []*localSlice {
	var drained []*localSlice
	var remaining []*localSlice
	for _, sl := range s.slices {
		if sl.end <= watermark {
			drained = append(drained, sl)
		} else {
			remaining = append(remaining, sl)
		}
	}
	s.slices = remaining
	return drained
}

func alignDown(ts, size types.Timestamp) types.Timestamp {
	if size <= 0 {
		return ts
	}
	q := ts / size
	if ts%size != 0 && ts < 0 {
		q--
	}
	return q * size
}

// globalSlice is the cross-thread merged slice materialized in the handler's
// global store, keyed by start_ts (spec §4.F step 2, §3 Slice lifecycle
// "merged into global store when local watermark passes its end").
type globalSlice struct {
	start, end types.Timestamp
	partials   map[int64]any
}

// globalStore is the keyed global slice store shared by every worker of a
// query's window handler, protected by a single mutex (spec §5: "slice
// stores use per-worker partitions + a mutexed merge").
type globalStore struct {
	mu     sync.Mutex
	bySt   map[types.Timestamp]*globalSlice
}

func newGlobalStore() *globalStore {
	return &globalStore{bySt: map[types.Timestamp]*globalSlice{}}
}

// Merge combines sl's partials into the global slice with matching
// start/end, creating it if absent (spec §4.F step 2).
func (g *globalStore) Merge(sl *localSlice, agg AggregateFunction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gs, ok := g.bySt[sl.start]
	if !ok {
		gs = &globalSlice{start: sl.start, end: sl.end, partials: map[int64]any{}}
		g.bySt[sl.start] = gs
	}
	for k, v := range sl.partials {
		if cur, ok := gs.partials[k]; ok {
			gs.partials[k] = agg.Combine(cur, v)
		} else {
			gs.partials[k] = v
		}
	}
}

// SlicesIn returns every global slice with start >= from and end <= to,
// sorted by start, for window triggering (spec §4.F step 4).
func (g *globalStore) SlicesIn(from, to types.Timestamp) []*globalSlice {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*globalSlice
	for _, gs := range g.bySt {
		if gs.start >= from && gs.end <= to {
			out = append(out, gs)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].start > out[j].start; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Purge deletes every global slice with end <= watermark (spec §4.F window
// state machine: "Deleted — purged when cross-thread watermark passes
// end").
func (g *globalStore) Purge(watermark types.Timestamp) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for start, gs := range g.bySt {
		if gs.end <= watermark {
			delete(g.bySt, start)
		}
	}
}
