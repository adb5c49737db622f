package window

import (
	"testing"

	"github.com/nebulastream/nebulastream-sub027/internal/cache"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// sliceSums reads the current partials of every slice in the store, keyed by
// slice start, for comparing stores built with different cache policies.
func sliceSums(s *sliceStore) map[int64]map[int64]any {
	out := map[int64]map[int64]any{}
	for _, sl := range s.slices {
		m := map[int64]any{}
		for k, v := range sl.partials {
			m[k] = v
		}
		out[int64(sl.start)] = m
	}
	return out
}

// TestSliceStoreCacheHitNeutrality checks testable property 7: enabling the
// slice cache changes hit/miss counters, never the slices a stream of
// records lands in or their resulting partial aggregates.
func TestSliceStoreCacheHitNeutrality(t *testing.T) {
	agg := SumAggregate{}
	records := []struct{ ts, key, value int64 }{
		{1, 1, 10}, {1, 1, 20}, {2, 2, 5}, {15, 1, 7}, {16, 2, 9}, {3, 1, 1},
	}

	withoutCache := newSliceStore(10, cache.New(cache.None, 0))
	for _, r := range records {
		withoutCache.Insert(types.Timestamp(r.ts), r.key, r.value, agg)
	}

	withCache := newSliceStore(10, cache.New(cache.LRU, 4))
	for _, r := range records {
		withCache.Insert(types.Timestamp(r.ts), r.key, r.value, agg)
	}

	wantSums := sliceSums(withoutCache)
	gotSums := sliceSums(withCache)
	if len(wantSums) != len(gotSums) {
		t.Fatalf("got %d slices with cache, want %d (no cache)", len(gotSums), len(wantSums))
	}
	for start, want := range wantSums {
		got, ok := gotSums[start]
		if !ok {
			t.Fatalf("slice starting at %d missing with cache enabled", start)
		}
		for k, wv := range want {
			if got[k] != wv {
				t.Fatalf("slice %d key %d = %v, want %v", start, k, got[k], wv)
			}
		}
	}

	if withCache.CacheHits() == 0 {
		t.Fatalf("expected at least one cache hit across repeated inserts into the same slices")
	}
	if withCache.CacheMisses() == 0 {
		t.Fatalf("expected at least one cache miss (first insert into each slice)")
	}
	if withoutCache.CacheHits() != 0 {
		t.Fatalf("disabled cache must never report a hit, got %d", withoutCache.CacheHits())
	}
}

// TestSliceStoreCacheStaleEntryNotTrusted checks that a cache entry for a
// slice DrainUpTo has already removed is revalidated, not trusted blindly:
// a record landing back in that slot must rebuild against a fresh slice, not
// silently accumulate onto the stale *localSlice's old partials.
func TestSliceStoreCacheStaleEntryNotTrusted(t *testing.T) {
	agg := SumAggregate{}

	run := func(policy cache.Policy) int64 {
		s := newSliceStore(10, policy)
		s.Insert(1, 1, 10, agg) // populates the slot-0 cache entry
		if drained := s.DrainUpTo(10); len(drained) != 1 {
			t.Fatalf("expected slice [0,10) to drain, got %d slices", len(drained))
		}
		s.Insert(1, 1, 99, agg)
		if len(s.slices) != 1 {
			t.Fatalf("expected exactly one live slice after the second insert, got %d", len(s.slices))
		}
		return s.slices[0].partials[1].(int64)
	}

	withoutCache := run(cache.New(cache.None, 0))
	withCache := run(cache.New(cache.LRU, 4))
	if withoutCache != withCache {
		t.Fatalf("cache enabled changed the result: got %d, want %d (no cache)", withCache, withoutCache)
	}
	if withCache != 99 {
		t.Fatalf("got %d, want 99 (stale slot-0 entry's partial of 10 must not leak in)", withCache)
	}
}
