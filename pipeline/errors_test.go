package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineError_KindMatching(t *testing.T) {
	err := Errorf(KindTimeout, "deadline exceeded")
	assert.True(t, errors.Is(err, &PipelineError{Kind: KindTimeout}))
	assert.False(t, errors.Is(err, &PipelineError{Kind: KindTransport}))
	assert.Equal(t, KindTimeout, ErrKind(err))
}

func TestWrapErr_PreservesInnerClassification(t *testing.T) {
	inner := Errorf(KindAttestation, "measurement mismatch")
	wrapped := WrapErr(KindTransport, inner, "upgrading channel")
	// The innermost classification wins.
	assert.Equal(t, KindAttestation, ErrKind(wrapped))
}

func TestWrapErr_NilPassthrough(t *testing.T) {
	assert.NoError(t, WrapErr(KindTransport, nil, "nothing"))
}

func TestWrapErr_WrapsCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := WrapErr(KindTransport, cause, "reading frame")
	assert.Equal(t, KindTransport, ErrKind(err))
	assert.ErrorIs(t, err, cause)
}

func TestStageFailure_UnknownOriginMessage(t *testing.T) {
	err := StageFailure(StageUnknown, StageErrInternal, "relay injected")
	assert.Contains(t, err.Error(), "origin unknown")

	err = StageFailure(1, StageErrExecutor, "boom")
	assert.Contains(t, err.Error(), "stage 1")
}

func TestTimeoutErr_Phase(t *testing.T) {
	err := TimeoutErr("infer")
	assert.Equal(t, "infer", err.Phase)
	assert.Contains(t, err.Error(), `"infer"`)
}
