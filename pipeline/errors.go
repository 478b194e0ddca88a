package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by pipeline operations.
type Kind int

const (
	// KindConfig marks an invalid manifest or parameter, caught pre-flight.
	KindConfig Kind = iota + 1
	// KindTransport marks a failed underlying byte stream or secure channel.
	KindTransport
	// KindProtocolMismatch marks an unexpected protocol version or frame tag.
	KindProtocolMismatch
	// KindInvalidMessage marks a well-framed but semantically wrong message.
	KindInvalidMessage
	// KindAttestation marks an identity mismatch or verifier refusal.
	KindAttestation
	// KindStageFailed marks a failure reported by a stage.
	KindStageFailed
	// KindTimeout marks an operation that exceeded its deadline.
	KindTimeout
	// KindPipelineTainted is returned by any operation after taint except Shutdown.
	KindPipelineTainted
	// KindInvalidRequest marks a bad inference request (zero micro-batches,
	// count overflow, malformed tensor).
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "Config"
	case KindTransport:
		return "Transport"
	case KindProtocolMismatch:
		return "ProtocolMismatch"
	case KindInvalidMessage:
		return "InvalidMessage"
	case KindAttestation:
		return "Attestation"
	case KindStageFailed:
		return "StageFailed"
	case KindTimeout:
		return "Timeout"
	case KindPipelineTainted:
		return "PipelineTainted"
	case KindInvalidRequest:
		return "InvalidRequest"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// StageUnknown is the stage index reported when an error sentinel's origin
// cannot be determined. It is never conflated with stage 0.
const StageUnknown uint32 = 0xFFFFFFFF

// StageErrorKind is the one-byte failure class carried by error sentinels
// and StageError control messages.
type StageErrorKind uint8

const (
	// StageErrExecutor: the user-supplied forward executor returned an error.
	StageErrExecutor StageErrorKind = 0x01
	// StageErrUpstream: an error sentinel arrived from the upstream stage.
	StageErrUpstream StageErrorKind = 0x02
	// StageErrSeqLen: the declared seq_len exceeds the activation spec.
	StageErrSeqLen StageErrorKind = 0x03
	// StageErrInternal: any other stage-local failure.
	StageErrInternal StageErrorKind = 0x04
)

func (k StageErrorKind) String() string {
	switch k {
	case StageErrExecutor:
		return "ExecutorFailed"
	case StageErrUpstream:
		return "UpstreamFailed"
	case StageErrSeqLen:
		return "SeqLenExceeded"
	case StageErrInternal:
		return "Internal"
	default:
		return fmt.Sprintf("StageErrorKind(%d)", int(k))
	}
}

// PipelineError is the single structured error type returned to callers.
// StageIdx and StageKind are meaningful only for KindStageFailed; Phase only
// for KindTimeout.
type PipelineError struct {
	Kind      Kind
	StageIdx  uint32
	StageKind StageErrorKind
	Phase     string
	Detail    string
	Err       error
}

func (e *PipelineError) Error() string {
	switch e.Kind {
	case KindStageFailed:
		if e.StageIdx == StageUnknown {
			return fmt.Sprintf("stage failed (origin unknown): %s: %s", e.StageKind, e.Detail)
		}
		return fmt.Sprintf("stage %d failed: %s: %s", e.StageIdx, e.StageKind, e.Detail)
	case KindTimeout:
		return fmt.Sprintf("timeout in phase %q: %s", e.Phase, e.Detail)
	}
	if e.Err != nil {
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches two PipelineErrors by Kind, so callers can test
// errors.Is(err, &PipelineError{Kind: KindTimeout}).
func (e *PipelineError) Is(target error) bool {
	var pe *PipelineError
	if !errors.As(target, &pe) {
		return false
	}
	return e.Kind == pe.Kind
}

// Errorf builds a PipelineError with a formatted detail message.
func Errorf(kind Kind, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind to an underlying cause. A nil cause yields nil.
func WrapErr(kind Kind, err error, detail string) error {
	if err == nil {
		return nil
	}
	// Do not re-wrap: the innermost classification wins.
	var pe *PipelineError
	if errors.As(err, &pe) {
		return err
	}
	return &PipelineError{Kind: kind, Detail: detail, Err: err}
}

// StageFailure builds the KindStageFailed error for a reported stage fault.
func StageFailure(stageIdx uint32, kind StageErrorKind, detail string) *PipelineError {
	return &PipelineError{Kind: KindStageFailed, StageIdx: stageIdx, StageKind: kind, Detail: detail}
}

// TimeoutErr builds the KindTimeout error for the named lifecycle phase.
func TimeoutErr(phase string) *PipelineError {
	return &PipelineError{Kind: KindTimeout, Phase: phase, Detail: "deadline exceeded"}
}

// ErrKind extracts the Kind from err, or 0 when err is not a PipelineError.
func ErrKind(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
