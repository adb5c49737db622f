package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"gopkg.in/retry.v1"
)

// registered once so the client side's per-call grpc.CallContentSubtype
// can resolve back to frameCodec the same way grpc.ForceServerCodec pins
// it unconditionally on the server side.
func init() {
	encoding.RegisterCodec(frameCodec{})
}

// frameCodec passes Frame values through as their hand-rolled wire bytes
// (frame.go), bypassing the usual generated-proto.Message requirement: gRPC
// only requires a codec able to Marshal/Unmarshal whatever type a call
// passes to SendMsg/RecvMsg, and NetworkFrame's schema is small and stable
// enough not to need a .proto/codegen step of its own.
type frameCodec struct{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("network: frameCodec.Marshal: unsupported type %T", v)
	}
	return f.Marshal(), nil
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("network: frameCodec.Unmarshal: unsupported type %T", v)
	}
	decoded, err := UnmarshalFrame(data)
	if err != nil {
		return err
	}
	*f = decoded
	return nil
}

func (frameCodec) Name() string { return "nsframe" }

const transferMethod = "/nsengine.Transfer/Transfer"

var transferServiceDesc = grpc.ServiceDesc{
	ServiceName: "nsengine.Transfer",
	HandlerType: nil,
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Transfer",
			Handler:       transferStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// transferStreamHandler backs the sink side of the wire transport: the
// first frame a connecting NetworkSource sends identifies the partition it
// wants pushed to it; everything after that is delivered through the
// registered Channel as a Producer (spec §4.H sink side), and any frame the
// client sends back is treated as an upstream Event channel in reverse
// (spec §4.H "back-event channel").
func transferStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	s, ok := srv.(*Server)
	if !ok {
		return fmt.Errorf("network: transfer handler registered against unexpected type %T", srv)
	}

	var first Frame
	if err := stream.RecvMsg(&first); err != nil {
		return fmt.Errorf("network: transfer handshake: %w", err)
	}
	partition := first.Partition

	ch := NewChannel()
	if err := ch.MarkConnected(&serverStreamTransport{stream: stream}); err != nil {
		return err
	}
	if err := s.pm.RegisterProducer(partition, ch); err != nil {
		return err
	}
	defer s.pm.UnregisterProducer(partition)

	for {
		var f Frame
		if err := stream.RecvMsg(&f); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if consumer, ok := s.pm.Consumer(partition); ok {
			if err := consumer.OnEvent(Event{Kind: EventKind(f.Kind), Timestamp: 0}); err != nil {
				logger.Error("event dispatch failed", "partition", partition, "err", err)
			}
		}
	}
}

// serverStreamTransport adapts a grpc.ServerStream to the Transport a
// Channel drives.
type serverStreamTransport struct {
	stream grpc.ServerStream
}

func (t *serverStreamTransport) Send(f Frame) error { return t.stream.SendMsg(&f) }
func (t *serverStreamTransport) Close() error        { return nil }

// Server is the sink-side gRPC listener: it accepts connections from
// downstream NetworkSources and registers each as a Producer against the
// partition the handshake frame names.
type Server struct {
	pm     *PartitionManager
	server *grpc.Server
}

// NewServer builds a Server bound to pm's registry.
func NewServer(pm *PartitionManager) *Server {
	s := &Server{pm: pm}
	s.server = grpc.NewServer(grpc.ForceServerCodec(frameCodec{}))
	s.server.RegisterService(&transferServiceDesc, s)
	return s
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error { return s.server.Serve(lis) }

// Stop gracefully stops the server, waiting for in-flight streams to
// finish.
func (s *Server) Stop() { s.server.GracefulStop() }

// clientStreamTransport adapts a grpc.ClientStream to the Transport a
// NetworkSource drives.
type clientStreamTransport struct {
	stream grpc.ClientStream
}

func (t *clientStreamTransport) Send(f Frame) error { return t.stream.SendMsg(&f) }
func (t *clientStreamTransport) Recv() (Frame, error) {
	var f Frame
	err := t.stream.RecvMsg(&f)
	return f, err
}
func (t *clientStreamTransport) Close() error { return t.stream.CloseSend() }

// DialOptions configures NetworkSource's bounded reconnect (spec §4.H:
// "bounded retries, waiting wait_time between tries").
type DialOptions struct {
	Address    string
	RetryTimes int
	WaitTime   time.Duration
}

// dialStrategy builds the retry.v1 strategy backing Dial's bounded
// backoff.
func dialStrategy(o DialOptions) retry.Strategy {
	return retry.LimitCount(o.RetryTimes, retry.Exponential{
		Initial: o.WaitTime,
		Factor:  1, // fixed wait_time between tries, not true exponential backoff
	})
}

// Dial establishes the handshake connection a NetworkSource uses as its
// back-event channel to the upstream sink, retrying per o's bounded
// schedule (spec §4.H, original NetworkSource.reconfigure's lazy
// event-channel creation under Initialize).
func Dial(ctx context.Context, o DialOptions, partition Partition) (*clientStreamTransport, error) {
	var lastErr error
	for a := retry.Start(dialStrategy(o), ctx.Done()); a.Next(); {
		conn, err := grpc.DialContext(ctx, o.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			lastErr = err
			continue
		}
		stream, err := conn.NewStream(ctx, &transferServiceDesc.Streams[0], transferMethod,
			grpc.CallContentSubtype(frameCodec{}.Name()))
		if err != nil {
			lastErr = err
			continue
		}
		handshake := Frame{Partition: partition, Kind: FrameEvent}
		if err := stream.SendMsg(&handshake); err != nil {
			lastErr = err
			continue
		}
		return &clientStreamTransport{stream: stream}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("network: dial to %s exhausted retries", o.Address)
	}
	return nil, lastErr
}
