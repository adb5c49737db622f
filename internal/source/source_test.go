package source

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/plan"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// countingSource produces limit buffers, each FillBuffer call incrementing a
// counter, then reports a clean end-of-data.
type countingSource struct {
	limit    int
	produced int
	openErr  error
}

func (s *countingSource) Open(ctx context.Context) error { return s.openErr }
func (s *countingSource) FillBuffer(ctx context.Context, buf buffer.TupleBuffer) (bool, error) {
	if s.produced >= s.limit {
		return false, nil
	}
	s.produced++
	buf.SetNumberOfTuples(1)
	return true, nil
}
func (s *countingSource) Close() error { return nil }
func (s *countingSource) Kind() string { return "counting" }

// fakeHost records every emitted buffer's sequence number and every EoS
// event, standing in for the query manager (spec §4.B Host interface).
type fakeHost struct {
	mu        sync.Mutex
	seqs      []types.SequenceNumber
	eosCount  int
	eosKind   types.TerminationType
	failed    bool
	failErr   error
	completed bool
}

func (h *fakeHost) EmitBuffer(ctx context.Context, queryID types.QueryId, successors []plan.Target, buf buffer.TupleBuffer) error {
	h.mu.Lock()
	h.seqs = append(h.seqs, buf.SequenceNumber())
	h.mu.Unlock()
	buf.Release()
	return nil
}
func (h *fakeHost) AddEndOfStream(ctx context.Context, queryID types.QueryId, originID types.OriginId, successors []plan.Target, kind types.TerminationType) error {
	h.mu.Lock()
	h.eosCount++
	h.eosKind = kind
	h.mu.Unlock()
	return nil
}
func (h *fakeHost) CanTriggerEndOfStream(queryID types.QueryId, originID types.OriginId, kind types.TerminationType) bool {
	return true
}
func (h *fakeHost) NotifySourceFailure(queryID types.QueryId, originID types.OriginId, err error) {
	h.mu.Lock()
	h.failed = true
	h.failErr = err
	h.mu.Unlock()
}
func (h *fakeHost) NotifySourceCompletion(queryID types.QueryId, originID types.OriginId, kind types.TerminationType) {
	h.mu.Lock()
	h.completed = true
	h.mu.Unlock()
}

func newTestRunner(t *testing.T, impl DataSource, host *fakeHost) *Runner {
	t.Helper()
	pool := buffer.NewPool(8, 64)
	fp, err := pool.CreateFixedSizeBufferPool(context.Background(), 4)
	if err != nil {
		t.Fatalf("CreateFixedSizeBufferPool: %v", err)
	}
	return NewRunner(types.QueryId(1), types.OriginId(7), impl, nil, fp, host, nil)
}

// TestSequenceNumbersDenseAndMonotonic checks testable property 1 and spec
// §4.B invariant i: "sequence numbers are dense and monotonic per
// origin_id", starting at 1.
func TestSequenceNumbersDenseAndMonotonic(t *testing.T) {
	host := &fakeHost{}
	runner := newTestRunner(t, &countingSource{limit: 5}, host)

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runner.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.seqs) != 5 {
		t.Fatalf("got %d emitted buffers, want 5", len(host.seqs))
	}
	for i, seq := range host.seqs {
		want := types.SequenceNumber(i + 1)
		if seq != want {
			t.Fatalf("seqs[%d] = %v, want %v", i, seq, want)
		}
	}
	if host.eosCount != 1 {
		t.Fatalf("eosCount = %d, want exactly 1 (invariant ii)", host.eosCount)
	}
	if host.eosKind != types.Graceful {
		t.Fatalf("eosKind = %v, want Graceful (clean end of data)", host.eosKind)
	}
	if !host.completed {
		t.Fatalf("expected NotifySourceCompletion to have been called")
	}
}

// TestHardStopIsNonBlockingAndBounded checks scenario S4: "stop returns
// within 100ms, exactly one HardEoS event per successor, query status
// Stopped".
func TestHardStopIsNonBlockingAndBounded(t *testing.T) {
	host := &fakeHost{}
	// A source that never finishes on its own; Stop must cut it short.
	runner := newTestRunner(t, &countingSource{limit: 1 << 30}, host)
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	runner.Stop(types.HardStop)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Stop took %v, want <= 100ms (non-blocking contract)", elapsed)
	}

	if err := runner.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if host.eosCount != 1 {
		t.Fatalf("eosCount = %d, want exactly 1", host.eosCount)
	}
	if host.eosKind != types.HardStop {
		t.Fatalf("eosKind = %v, want HardStop", host.eosKind)
	}
}

// TestSourceOpenFailureEmitsSingleErrorAndNoData checks scenario S5 and
// spec §4.B invariant iii: "open failure emits a single Error event and
// transitions to stopped without producing any data."
func TestSourceOpenFailureEmitsSingleErrorAndNoData(t *testing.T) {
	host := &fakeHost{}
	openErr := fmt.Errorf("boom")
	runner := newTestRunner(t, &countingSource{limit: 5, openErr: openErr}, host)

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runner.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.seqs) != 0 {
		t.Fatalf("got %d emitted buffers on open failure, want 0", len(host.seqs))
	}
	if !host.failed {
		t.Fatalf("expected NotifySourceFailure to have been called")
	}
	if host.eosCount != 1 {
		t.Fatalf("eosCount = %d, want exactly 1 (failure still closes out with one EoS)", host.eosCount)
	}
	if host.eosKind != types.FailureStop {
		t.Fatalf("eosKind = %v, want FailureStop", host.eosKind)
	}
}
