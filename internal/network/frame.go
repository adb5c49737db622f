package network

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// FrameKind tags a NetworkFrame as carrying data or a control signal (spec
// §4.H: data frames vs. EoS/event control frames).
type FrameKind int32

const (
	FrameData FrameKind = iota
	FrameEndOfStream
	FrameEvent
)

func (k FrameKind) String() string {
	switch k {
	case FrameData:
		return "Data"
	case FrameEndOfStream:
		return "EndOfStream"
	case FrameEvent:
		return "Event"
	default:
		return "Unknown"
	}
}

// Frame is the unit the wire transport moves between a NetworkSink and its
// downstream NetworkSource (spec §4.H). Payload carries raw TupleBuffer
// bytes for FrameData, and is empty for control frames.
type Frame struct {
	Partition       Partition
	Kind            FrameKind
	SequenceNumber  types.SequenceNumber
	OriginID        types.OriginId
	TerminationKind types.TerminationType
	Payload         []byte
}

// Field tags for the hand-rolled wire encoding below. There is no .proto
// source for NetworkFrame (the schema is small and fixed); protowire's
// tag/length/value primitives give the same self-describing, forward
// compatible wire format a generated message would, without a codegen
// step.
const (
	tagQueryID    = 1
	tagPipelineID = 2
	tagOriginID   = 3
	tagKind       = 4
	tagSeq        = 5
	tagTermKind   = 6
	tagPayload    = 7
	tagFrameOrigin = 8
)

// Marshal encodes f using protobuf's low-level wire primitives (spec §6:
// protobuf is the network frame's encoding).
func (f Frame) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, tagQueryID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Partition.QueryID))
	b = protowire.AppendTag(b, tagPipelineID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Partition.PipelineID))
	b = protowire.AppendTag(b, tagOriginID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Partition.OriginID))
	b = protowire.AppendTag(b, tagKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = protowire.AppendTag(b, tagSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.SequenceNumber))
	b = protowire.AppendTag(b, tagTermKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.TerminationKind))
	b = protowire.AppendTag(b, tagPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload)
	b = protowire.AppendTag(b, tagFrameOrigin, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.OriginID))
	return b
}

// UnmarshalFrame decodes the output of Frame.Marshal.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("network: malformed frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case tagQueryID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("network: malformed query_id field")
			}
			f.Partition.QueryID = types.QueryId(v)
			b = b[n:]
		case tagPipelineID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("network: malformed pipeline_id field")
			}
			f.Partition.PipelineID = types.PipelineId(v)
			b = b[n:]
		case tagOriginID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("network: malformed origin_id field")
			}
			f.Partition.OriginID = types.OriginId(v)
			b = b[n:]
		case tagKind:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("network: malformed kind field")
			}
			f.Kind = FrameKind(v)
			b = b[n:]
		case tagSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("network: malformed sequence_number field")
			}
			f.SequenceNumber = types.SequenceNumber(v)
			b = b[n:]
		case tagTermKind:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("network: malformed termination_kind field")
			}
			f.TerminationKind = types.TerminationType(v)
			b = b[n:]
		case tagPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, fmt.Errorf("network: malformed payload field")
			}
			f.Payload = append([]byte(nil), v...)
			b = b[n:]
		case tagFrameOrigin:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("network: malformed frame origin_id field")
			}
			f.OriginID = types.OriginId(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("network: malformed unknown field %d", num)
			}
			b = b[n:]
		}
	}
	return f, nil
}

// DebugString renders f as a one-line human-readable summary built with
// fmt.Sprintf; it is not a protobuf text-format dump.
func (f Frame) DebugString() string {
	return fmt.Sprintf("Frame{partition=%s kind=%s seq=%d origin=%s term=%s payload_len=%d}",
		f.Partition, f.Kind, f.SequenceNumber, f.OriginID, f.TerminationKind, len(f.Payload))
}

// Event is an upstream control signal delivered to NetworkSource.OnEvent
// (spec §4.H "on_event receives upstream events (e.g. PropagateEpoch)").
type Event struct {
	Kind            EventKind
	Timestamp       types.Timestamp
	ReplicationLevel int
}

// EventKind enumerates the upstream events NetworkSource.OnEvent can
// receive.
type EventKind int

const (
	EventPropagateEpoch EventKind = iota
	EventPropagateKEpoch
)

func (e EventKind) String() string {
	if e == EventPropagateKEpoch {
		return "PropagateKEpoch"
	}
	return "PropagateEpoch"
}
