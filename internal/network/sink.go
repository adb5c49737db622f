package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// NetworkSink is the producing side of the network boundary (spec §4.H):
// it runs a gRPC Server accepting connections from downstream
// NetworkSources, and forwards every buffer written to it over the
// Channel registered for its partition.
type NetworkSink struct {
	Partition Partition
	PM        *PartitionManager
	Listen    string

	mu       sync.Mutex
	server   *Server
	listener net.Listener
	channel  *Channel
	seq      types.SequenceNumber
	opened   bool
}

// NewNetworkSink builds a NetworkSink that will accept connections for
// partition p on Listen once Open is called.
func NewNetworkSink(p Partition, pm *PartitionManager, listen string) *NetworkSink {
	return &NetworkSink{Partition: p, PM: pm, Listen: listen}
}

// Open starts the gRPC server. It does not register a channel: the
// server's handler registers this partition's channel when a downstream
// NetworkSource connects.
func (s *NetworkSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	lis, err := net.Listen("tcp", s.Listen)
	if err != nil {
		return fmt.Errorf("network sink %s: listen on %s: %w", s.Partition, s.Listen, err)
	}

	s.server = NewServer(s.PM)
	s.listener = lis
	s.opened = true

	go func() {
		if err := s.server.Serve(lis); err != nil {
			logger.Error("network sink server stopped", "partition", s.Partition, "err", err)
		}
	}()
	return nil
}

// Write sends buf downstream as a data frame over this partition's
// channel. Until a downstream NetworkSource has connected and the channel
// is registered, Write returns an error; frames are not buffered.
func (s *NetworkSink) Write(ctx context.Context, buf buffer.TupleBuffer) error {
	s.mu.Lock()
	if s.channel == nil {
		ch, ok := s.channelForLocked()
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("network sink %s: no channel registered yet", s.Partition)
		}
		s.channel = ch
	}
	ch := s.channel
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	frame := Frame{
		Partition:      s.Partition,
		Kind:           FrameData,
		SequenceNumber: seq,
		OriginID:       s.Partition.OriginID,
		Payload:        append([]byte(nil), buf.Bytes()...),
	}
	return ch.Write(frame)
}

func (s *NetworkSink) channelForLocked() (*Channel, bool) {
	prod, ok := s.PM.producers[s.Partition]
	if !ok {
		return nil, false
	}
	ch, ok := prod.(*Channel)
	return ch, ok
}

// Close drains the channel and sends a final EoS frame, then stops the
// server (spec §4.H: "writes during Draining are accepted until a final
// EoS is sent; then the channel closes").
func (s *NetworkSink) Close() error {
	s.mu.Lock()
	ch := s.channel
	server := s.server
	s.mu.Unlock()

	if ch != nil {
		if ch.State() == Connected {
			if err := ch.Drain(); err != nil {
				return err
			}
		}
		eos := Frame{
			Partition:       s.Partition,
			Kind:            FrameEndOfStream,
			OriginID:        s.Partition.OriginID,
			TerminationKind: types.HardStop,
		}
		if err := ch.Write(eos); err != nil {
			logger.Error("network sink failed to send final EoS", "partition", s.Partition, "err", err)
		}
	}

	if server != nil {
		server.Stop()
	}
	return nil
}

var _ interface {
	Open() error
	Write(ctx context.Context, buf buffer.TupleBuffer) error
	Close() error
} = (*NetworkSink)(nil)
