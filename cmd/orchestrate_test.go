package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyntrisec/confidential-ml-pipeline/pipeline"
)

func TestSyntheticBatches_MatchDeclaredShape(t *testing.T) {
	spec := pipeline.ActivationSpec{DType: "F16", HiddenDim: 64, MaxSeqLen: 512}
	batches, err := syntheticBatches(spec, 3, 16)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.NoError(t, b.Validate())
		assert.Equal(t, []uint32{16, 64}, b.Shape)
		assert.Len(t, b.Data, 16*64*2)
	}
}

func TestSyntheticBatches_UnknownDType(t *testing.T) {
	_, err := syntheticBatches(pipeline.ActivationSpec{DType: "I4"}, 1, 8)
	assert.Error(t, err)
}
