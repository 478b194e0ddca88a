package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDTypeElementSize(t *testing.T) {
	assert.Equal(t, 4, DTypeU32.ElementSize())
	assert.Equal(t, 4, DTypeF32.ElementSize())
	assert.Equal(t, 2, DTypeF16.ElementSize())
	assert.Equal(t, 2, DTypeBF16.ElementSize())
	assert.Equal(t, 0, DType(0x7F).ElementSize())
}

func TestParseDType(t *testing.T) {
	for name, want := range map[string]DType{"U32": DTypeU32, "F32": DTypeF32, "F16": DTypeF16, "BF16": DTypeBF16} {
		got, err := ParseDType(name)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDType("I8")
	assert.Error(t, err)
}

func TestTensorValidate(t *testing.T) {
	ok := &Tensor{DType: DTypeF16, Shape: []uint32{2, 4}, Data: make([]byte, 16)}
	assert.NoError(t, ok.Validate())

	short := &Tensor{DType: DTypeF16, Shape: []uint32{2, 4}, Data: make([]byte, 15)}
	assert.Error(t, short.Validate())
}

func TestCacheClearSentinel(t *testing.T) {
	cc := NewCacheClear()
	assert.True(t, cc.IsCacheClear())
	assert.NoError(t, cc.Validate())

	// A zero-length F32 tensor is not the sentinel.
	notCC := &Tensor{DType: DTypeF32, Shape: []uint32{0}}
	assert.False(t, notCC.IsCacheClear())
}

func TestNumElements(t *testing.T) {
	tensor := &Tensor{DType: DTypeU32, Shape: []uint32{3, 5, 2}}
	assert.Equal(t, uint64(30), tensor.NumElements())
}
