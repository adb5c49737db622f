package querymanager

import (
	"sync/atomic"

	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// QueryStatistics holds the per-query counters spec §6 exposes to an
// external collector, grounded on the original engine's
// queryToStatisticsMap (QueryManagerLifecycle.cpp): a statistics object is
// created once at register_query and its TimestampQueryStart is set
// idempotently at start_query, even across a reconfiguration-driven
// redeploy.
type QueryStatistics struct {
	QueryID             types.QueryId
	processedBuffers    int64
	processedTasks      int64
	processedTuples     int64
	timestampQueryStart int64
}

func newQueryStatistics(id types.QueryId) *QueryStatistics {
	return &QueryStatistics{QueryID: id}
}

func (s *QueryStatistics) recordTask(numberOfTuples uint64) {
	atomic.AddInt64(&s.processedTasks, 1)
	atomic.AddInt64(&s.processedBuffers, 1)
	atomic.AddInt64(&s.processedTuples, int64(numberOfTuples))
}

// SetStartTimestampOnce sets TimestampQueryStart only if it has not already
// been set, matching the original's "Start timestamp already exists, this
// is expected in case of query reconfiguration" behavior.
func (s *QueryStatistics) SetStartTimestampOnce(nowMillis int64) {
	atomic.CompareAndSwapInt64(&s.timestampQueryStart, 0, nowMillis)
}

func (s *QueryStatistics) ProcessedBuffers() int64 { return atomic.LoadInt64(&s.processedBuffers) }
func (s *QueryStatistics) ProcessedTasks() int64   { return atomic.LoadInt64(&s.processedTasks) }
func (s *QueryStatistics) ProcessedTuples() int64  { return atomic.LoadInt64(&s.processedTuples) }
func (s *QueryStatistics) TimestampQueryStart() int64 {
	return atomic.LoadInt64(&s.timestampQueryStart)
}
