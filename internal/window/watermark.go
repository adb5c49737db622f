// Package window implements the windowing core (spec §4.E/4.F): thread-local
// pre-aggregation slice stores, the cross-thread watermark processor, a
// keyed global slice store, and tumbling/sliding window triggering.
//
// Grounded on the original engine's MultiOriginWatermarkProcessor (described
// in QueryManagerLifecycle.cpp's watermark plumbing) and
// AggregationBuildCache.cpp for the slice-as-cacheable-entry shape; the
// worker dispatch these operators run under is the teacher's prism
// executePipeline task loop (internal/querymanager).
package window

import (
	"sync"

	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// MultiOriginWatermarkProcessor tracks, per origin, the max contiguous
// sequence number observed along with its watermark, and exposes
// min(per_origin_watermark) as the effective watermark across origins that
// have observed sequence number 1; an origin with only later sequence
// numbers pending does not count yet (spec §4.F). It is reused, keyed by
// WorkerThreadId cast to OriginId, as the "cross-thread" watermark processor
// the build operator keeps in addition to the per-source one.
type MultiOriginWatermarkProcessor struct {
	mu      sync.Mutex
	origins map[types.OriginId]*originEntry
	global  types.Timestamp
	seen    int
}

type originEntry struct {
	nextExpected types.SequenceNumber
	contiguousWM types.Timestamp
	pending      map[types.SequenceNumber]types.Timestamp
}

// NewMultiOriginWatermarkProcessor builds an empty processor; the effective
// watermark is undefined (reported as types.Timestamp(0)) until at least one
// origin has observed sequence number 1.
func NewMultiOriginWatermarkProcessor() *MultiOriginWatermarkProcessor {
	return &MultiOriginWatermarkProcessor{origins: map[types.OriginId]*originEntry{}}
}

// Update records that origin produced watermark at seq, and returns the
// effective global watermark before and after this observation (spec §4.F:
// "update(watermark, seq, origin) returns (old_global, new_global)"). The
// critical section is a single mutex held only across map bookkeeping and
// the min-scan, per spec §4.F's "lock-free or short critical section only".
func (p *MultiOriginWatermarkProcessor) Update(watermark types.Timestamp, seq types.SequenceNumber, origin types.OriginId) (old, newGlobal types.Timestamp) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old = p.global

	e, ok := p.origins[origin]
	if !ok {
		e = &originEntry{nextExpected: 1, pending: map[types.SequenceNumber]types.Timestamp{}}
		p.origins[origin] = e
		p.seen++
	}
	e.pending[seq] = watermark
	for {
		wm, ok := e.pending[e.nextExpected]
		if !ok {
			break
		}
		if wm > e.contiguousWM {
			e.contiguousWM = wm
		}
		delete(e.pending, e.nextExpected)
		e.nextExpected++
	}

	min := types.Timestamp(0)
	first := true
	for _, oe := range p.origins {
		if oe.nextExpected == 1 {
			// no contiguous prefix observed yet for this origin
			continue
		}
		if first || oe.contiguousWM < min {
			min = oe.contiguousWM
			first = false
		}
	}
	if !first {
		p.global = min
	}
	return old, p.global
}


// Watermark returns the current effective global watermark without
// recording a new observation.
func (p *MultiOriginWatermarkProcessor) Watermark() types.Timestamp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.global
}
