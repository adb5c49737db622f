// Package errs defines the engine's error kinds (spec §7) as sentinel
// errors usable with errors.Is/errors.As, the way Beam's job services
// expose jobservices.ErrCancel for executePipeline to check with
// errors.Is(err, jobservices.ErrCancel).
package errs

import (
	"errors"
	"fmt"

	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

// Kind enumerates the error kinds from spec §7.
type Kind int

const (
	// BufferPoolExhausted: fatal per-query if the retry deadline elapsed;
	// otherwise the caller should back-pressure by blocking.
	BufferPoolExhausted Kind = iota
	// InvalidPlan: rejected at register_query; not fatal to the process.
	InvalidPlan
	// StageExecutionError: fails the current query; other queries continue.
	StageExecutionError
	// SourceOpenFailure: source emits a single Error event, then terminates.
	SourceOpenFailure
	// NetworkPartitionUnavailable: retried with bounded backoff; on
	// exhaustion treated as a source failure on the consumer side.
	NetworkPartitionUnavailable
	// WatermarkRegression: a received watermark smaller than the last
	// observed one for the same origin; terminates the query with Failure.
	WatermarkRegression
)

func (k Kind) String() string {
	switch k {
	case BufferPoolExhausted:
		return "BufferPoolExhausted"
	case InvalidPlan:
		return "InvalidPlan"
	case StageExecutionError:
		return "StageExecutionError"
	case SourceOpenFailure:
		return "SourceOpenFailure"
	case NetworkPartitionUnavailable:
		return "NetworkPartitionUnavailable"
	case WatermarkRegression:
		return "WatermarkRegression"
	default:
		return "Unknown"
	}
}

// EngineError wraps an underlying cause with the error Kind it belongs to
// and, where relevant, the QueryId it pertains to.
type EngineError struct {
	Kind    Kind
	QueryID types.QueryId
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: query %s", e.Kind, e.QueryID)
	}
	return fmt.Sprintf("%s: query %s: %v", e.Kind, e.QueryID, e.Cause)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.New(SourceOpenFailure, 0, nil)) style
// matching by Kind alone, ignoring QueryID and Cause.
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New builds an EngineError of the given kind.
func New(kind Kind, queryID types.QueryId, cause error) error {
	return &EngineError{Kind: kind, QueryID: queryID, Cause: cause}
}

// Sentinel returns an error of the given kind with no cause or query,
// suitable purely as an errors.Is() comparison target.
func Sentinel(kind Kind) error { return &EngineError{Kind: kind} }

// OfKind reports whether err is (or wraps) an EngineError of kind.
func OfKind(err error, kind Kind) bool {
	return errors.Is(err, Sentinel(kind))
}
