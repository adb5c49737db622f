package network

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

func TestFrame_MarshalUnmarshalRoundTrip(t *testing.T) {
	f := Frame{
		Partition:       Partition{QueryID: 7, PipelineID: 2, OriginID: 3},
		Kind:            FrameData,
		SequenceNumber:  42,
		OriginID:        3,
		TerminationKind: types.Graceful,
		Payload:         []byte("hello frame"),
	}

	got, err := UnmarshalFrame(f.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFrame_MarshalUnmarshal_EmptyPayload(t *testing.T) {
	f := Frame{Partition: Partition{QueryID: 1}, Kind: FrameEndOfStream, TerminationKind: types.HardStop}
	got, err := UnmarshalFrame(f.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}
	if got.Kind != FrameEndOfStream || got.TerminationKind != types.HardStop {
		t.Fatalf("got %+v", got)
	}
}

type fakeConsumer struct {
	frames []Frame
	events []Event
}

func (c *fakeConsumer) OnFrame(f Frame) error { c.frames = append(c.frames, f); return nil }
func (c *fakeConsumer) OnEvent(e Event) error { c.events = append(c.events, e); return nil }

func TestPartitionManager_RegisterDeliverLookup(t *testing.T) {
	pm := NewPartitionManager()
	p := Partition{QueryID: 1, PipelineID: 1, OriginID: 1}
	c := &fakeConsumer{}

	if err := pm.RegisterConsumer(p, c); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	if err := pm.RegisterConsumer(p, c); err == nil {
		t.Fatalf("expected error re-registering consumer for the same partition")
	}

	f := Frame{Partition: p, Kind: FrameData, Payload: []byte("x")}
	if err := pm.Deliver(p, f); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(c.frames) != 1 {
		t.Fatalf("expected 1 delivered frame, got %d", len(c.frames))
	}

	other := Partition{QueryID: 9, PipelineID: 9, OriginID: 9}
	if err := pm.Deliver(other, f); err == nil {
		t.Fatalf("expected error delivering to an unregistered partition")
	}

	pm.UnregisterConsumer(p)
	if _, ok := pm.Consumer(p); ok {
		t.Fatalf("expected consumer to be gone after unregister")
	}
}

func TestPartitionManager_Partitions(t *testing.T) {
	pm := NewPartitionManager()
	p1 := Partition{QueryID: 1, PipelineID: 1, OriginID: 1}
	p2 := Partition{QueryID: 2, PipelineID: 1, OriginID: 1}
	_ = pm.RegisterConsumer(p1, &fakeConsumer{})
	_ = pm.RegisterProducer(p2, &stubProducer{})

	got := pm.Partitions()
	if len(got) != 2 {
		t.Fatalf("expected 2 partitions, got %d (%v)", len(got), got)
	}
}

type stubProducer struct{ sent []Frame }

func (s *stubProducer) Send(f Frame) error { s.sent = append(s.sent, f); return nil }

type recordingTransport struct {
	sent   []Frame
	closed bool
}

func (t *recordingTransport) Send(f Frame) error { t.sent = append(t.sent, f); return nil }
func (t *recordingTransport) Close() error       { t.closed = true; return nil }

func TestChannel_BuffersWhileConnecting_FlushesOnConnect(t *testing.T) {
	ch := NewChannel()
	if ch.State() != Connecting {
		t.Fatalf("expected initial state Connecting, got %s", ch.State())
	}

	f1 := Frame{Kind: FrameData, Payload: []byte("a")}
	f2 := Frame{Kind: FrameData, Payload: []byte("b")}
	if err := ch.Write(f1); err != nil {
		t.Fatalf("Write while connecting: %v", err)
	}
	if err := ch.Write(f2); err != nil {
		t.Fatalf("Write while connecting: %v", err)
	}

	tr := &recordingTransport{}
	if err := ch.MarkConnected(tr); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	if ch.State() != Connected {
		t.Fatalf("expected Connected, got %s", ch.State())
	}
	if len(tr.sent) != 2 {
		t.Fatalf("expected 2 flushed frames, got %d", len(tr.sent))
	}

	f3 := Frame{Kind: FrameData, Payload: []byte("c")}
	if err := ch.Write(f3); err != nil {
		t.Fatalf("Write while connected: %v", err)
	}
	if len(tr.sent) != 3 {
		t.Fatalf("expected 3 sent frames after a direct write, got %d", len(tr.sent))
	}
}

func TestChannel_DrainThenEoS_Closes(t *testing.T) {
	ch := NewChannel()
	tr := &recordingTransport{}
	if err := ch.MarkConnected(tr); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	if err := ch.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if ch.State() != Draining {
		t.Fatalf("expected Draining, got %s", ch.State())
	}

	mid := Frame{Kind: FrameData, Payload: []byte("still flowing")}
	if err := ch.Write(mid); err != nil {
		t.Fatalf("Write while draining: %v", err)
	}

	eos := Frame{Kind: FrameEndOfStream, TerminationKind: types.Graceful}
	if err := ch.Write(eos); err != nil {
		t.Fatalf("Write EoS while draining: %v", err)
	}
	if ch.State() != Closed {
		t.Fatalf("expected Closed after EoS, got %s", ch.State())
	}
	if !tr.closed {
		t.Fatalf("expected transport to be closed")
	}

	if err := ch.Write(Frame{Kind: FrameData}); err == nil {
		t.Fatalf("expected write to a closed channel to fail")
	}
}

func TestChannel_ConnectBufferBounded(t *testing.T) {
	ch := NewChannel()
	for i := 0; i < defaultConnectBufferSize; i++ {
		if err := ch.Write(Frame{Kind: FrameData}); err != nil {
			t.Fatalf("unexpected error filling connect buffer at %d: %v", i, err)
		}
	}
	if err := ch.Write(Frame{Kind: FrameData}); err == nil {
		t.Fatalf("expected an error once the connect buffer is full")
	}
}

func TestDialStrategy_BoundedByRetryTimes(t *testing.T) {
	o := DialOptions{Address: "unused", RetryTimes: 3, WaitTime: 0}
	strategy := dialStrategy(o)
	if strategy == nil {
		t.Fatalf("expected a non-nil retry strategy")
	}
}
