package querymanager

import (
	"github.com/nebulastream/nebulastream-sub027/internal/plan"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// ReconfigurationType tags a reconfiguration message (spec §4.C, glossary).
type ReconfigurationType int

const (
	Initialize ReconfigurationType = iota
	SoftEndOfStream
	HardEndOfStream
	FailEndOfStream
	Destroy
	PropagateEpoch
)

func (t ReconfigurationType) String() string {
	switch t {
	case Initialize:
		return "Initialize"
	case SoftEndOfStream:
		return "SoftEndOfStream"
	case HardEndOfStream:
		return "HardEndOfStream"
	case FailEndOfStream:
		return "FailEndOfStream"
	case Destroy:
		return "Destroy"
	case PropagateEpoch:
		return "PropagateEpoch"
	default:
		return "Unknown"
	}
}

func reconfigurationTypeFor(t types.TerminationType) ReconfigurationType {
	switch t {
	case types.HardStop:
		return HardEndOfStream
	case types.FailureStop:
		return FailEndOfStream
	default:
		return SoftEndOfStream
	}
}

// ReconfigurationMessage is a control task broadcast to every worker of the
// pool (spec glossary). UserData carries type-specific payload, e.g. an
// epoch barrier timestamp for PropagateEpoch.
type ReconfigurationMessage struct {
	QueryID  types.QueryId
	Type     ReconfigurationType
	Target   plan.Target
	UserData any
}

// Reconfigurable is implemented by a Stage or Sink that cares about
// reconfiguration events (network sources/sinks, window operators flushing
// state on EoS). Plain compiled stages that only implement plan.Stage are
// treated as having trivial (no-op) reconfiguration.
type Reconfigurable interface {
	Reconfigure(msg ReconfigurationMessage, ec plan.ExecutionContext)
	PostReconfigurationCallback(msg ReconfigurationMessage)
}
