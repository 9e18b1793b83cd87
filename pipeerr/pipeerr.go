// Package pipeerr defines the exhaustive error-kind taxonomy shared by every
// pipeshard component: manifest validation, the control-plane protocol, the
// stage runtime, and the orchestrator.
package pipeerr

import (
	"github.com/cockroachdb/errors"
)

// Kind is one of the exhaustive error categories a pipeshard operation can
// fail with.
type Kind int

const (
	// Config means the manifest or a parameter was invalid; fatal pre-flight.
	Config Kind = iota
	// Transport means the underlying byte stream (or secure channel wrapping
	// it) failed.
	Transport
	// ProtocolMismatch means a frame's version or tag byte was unexpected;
	// fatal, taints the pipeline.
	ProtocolMismatch
	// InvalidMessage means a well-framed message was semantically wrong,
	// e.g. a Ready carrying the wrong stage_idx.
	InvalidMessage
	// Attestation means a peer's identity didn't match its expected
	// measurements, or the verifier refused it. Never retried.
	Attestation
	// StageFailed means a stage reported failure, either via a control
	// StageError or a data-channel error sentinel.
	StageFailed
	// Timeout means an outer operation exceeded its deadline.
	Timeout
	// PipelineTainted is returned by any operation after the pipeline is
	// tainted, except shutdown.
	PipelineTainted
	// InvalidRequest means e.g. zero micro-batches, a micro-batch count
	// above the limit, or a tensor shape mismatch.
	InvalidRequest
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "Config"
	case Transport:
		return "Transport"
	case ProtocolMismatch:
		return "ProtocolMismatch"
	case InvalidMessage:
		return "InvalidMessage"
	case Attestation:
		return "Attestation"
	case StageFailed:
		return "StageFailed"
	case Timeout:
		return "Timeout"
	case PipelineTainted:
		return "PipelineTainted"
	case InvalidRequest:
		return "InvalidRequest"
	default:
		return "Unknown"
	}
}

// UnknownStageIdx is reported as a StageFailed error's StageIdx when the
// origin of a data-channel error sentinel can't be attributed. It is never
// a false 0.
const UnknownStageIdx = ^uint32(0)

// Error is a structured pipeshard error: a Kind plus whatever contextual
// detail a component attached.
type Error struct {
	kind      Kind
	StageIdx  uint32 // only meaningful for Kind == StageFailed
	Phase     string // only meaningful for Kind == Timeout
	cause     error
}

// New creates an Error of the given kind wrapping msg.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, cause: errors.New(msg)}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, cause: errors.Newf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping an existing error,
// preserving its cause chain for errors.Is/As.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrap(err, msg)}
}

// StageFailure builds a StageFailed error attributing the failure to a
// stage index (or UnknownStageIdx).
func StageFailure(stageIdx uint32, kind string, detail string) *Error {
	return &Error{
		kind:     StageFailed,
		StageIdx: stageIdx,
		cause:    errors.Newf("stage %d failed: %s: %s", stageIdx, kind, detail),
	}
}

// TimeoutIn builds a Timeout error tagged with the phase that expired.
func TimeoutIn(phase string) *Error {
	return &Error{kind: Timeout, Phase: phase, cause: errors.Newf("timeout during %s", phase)}
}

// Tainted is the sentinel error returned by any orchestrator operation
// (other than shutdown) once the pipeline has been tainted.
var Tainted = &Error{kind: PipelineTainted, cause: errors.New("pipeline is tainted")}

func (e *Error) Error() string { return e.cause.Error() }

// Unwrap exposes the underlying cause for errors.Is/As and cockroachdb's
// stack-trace-aware formatting.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// Is reports whether target is a pipeerr.Error of the same Kind, so callers
// can do errors.Is(err, pipeerr.Tainted) style checks against the exported
// sentinels, or compare kinds with KindOf.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == other.kind
}

// KindOf extracts the Kind from err if it is (or wraps) a *pipeerr.Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return 0, false
}

// Collector accumulates multiple errors — e.g. the close error from every
// channel during orchestrator shutdown — and reports them as one error.
// Adapted from the teacher's utils/wrappers.Errs.
type Collector struct {
	errs []error
}

// Add records err if non-nil.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	c.errs = append(c.errs, err)
}

// Errored reports whether any error has been recorded.
func (c *Collector) Errored() bool { return len(c.errs) > 0 }

// Len returns the number of recorded errors.
func (c *Collector) Len() int { return len(c.errs) }

// Err folds the collected errors into a single error, or nil if none were
// recorded.
func (c *Collector) Err() error {
	switch len(c.errs) {
	case 0:
		return nil
	case 1:
		return c.errs[0]
	default:
		return errors.Newf("%d errors occurred: %s", len(c.errs), joinErrs(c.errs))
	}
}

func joinErrs(errs []error) string {
	var b []byte
	for _, err := range errs {
		b = append(b, "\n\t* "...)
		b = append(b, err.Error()...)
	}
	return string(b)
}
