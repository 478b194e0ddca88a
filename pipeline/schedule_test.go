package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSchedule_TotalOps(t *testing.T) {
	for _, tc := range []struct {
		stages int
		mbs    uint32
	}{
		{1, 1}, {1, 8}, {2, 2}, {3, 5}, {4, 16}, {8, 3},
	} {
		s, err := GenerateSchedule(tc.stages, tc.mbs)
		require.NoError(t, err)
		assert.Len(t, s.Ops, tc.stages*int(tc.mbs), "stages=%d mbs=%d", tc.stages, tc.mbs)
		assert.Equal(t, int(tc.mbs)+tc.stages-1, s.TotalSteps)
	}
}

func TestGenerateSchedule_PerStageOrdering(t *testing.T) {
	// GIVEN a schedule for 4 stages and 7 micro-batches
	s, err := GenerateSchedule(4, 7)
	require.NoError(t, err)

	// THEN each stage's ops appear in strictly increasing micro-batch order
	last := map[uint32]int{}
	for _, op := range s.Ops {
		if prev, ok := last[op.Stage]; ok {
			if int(op.MicroBatch) <= prev {
				t.Errorf("stage %d: micro-batch %d not after %d", op.Stage, op.MicroBatch, prev)
			}
		}
		last[op.Stage] = int(op.MicroBatch)
	}
}

func TestGenerateSchedule_Dependency(t *testing.T) {
	// op(s+1, m) must come no earlier than op(s, m) in the flat order.
	s, err := GenerateSchedule(3, 4)
	require.NoError(t, err)

	pos := map[Op]int{}
	for i, op := range s.Ops {
		pos[op] = i
	}
	for stage := uint32(0); stage < 2; stage++ {
		for mb := uint32(0); mb < 4; mb++ {
			if pos[Op{Stage: stage + 1, MicroBatch: mb}] < pos[Op{Stage: stage, MicroBatch: mb}] {
				t.Errorf("op(%d,%d) scheduled before op(%d,%d)", stage+1, mb, stage, mb)
			}
		}
	}
}

func TestGenerateSchedule_FillTieBreak(t *testing.T) {
	// During fill, ties break to the lower stage index: with 3 stages the
	// first three ops are (0,0), (0,1), (1,0).
	s, err := GenerateSchedule(3, 3)
	require.NoError(t, err)
	want := []Op{
		{Stage: 0, MicroBatch: 0},
		{Stage: 0, MicroBatch: 1},
		{Stage: 1, MicroBatch: 0},
	}
	assert.Equal(t, want, s.Ops[:3])
}

func TestGenerateSchedule_SingleMicroBatchSequential(t *testing.T) {
	s, err := GenerateSchedule(3, 1)
	require.NoError(t, err)
	want := []Op{
		{Stage: 0, MicroBatch: 0},
		{Stage: 1, MicroBatch: 0},
		{Stage: 2, MicroBatch: 0},
	}
	assert.Equal(t, want, s.Ops)
}

func TestGenerateSchedule_SingleStage(t *testing.T) {
	s, err := GenerateSchedule(1, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, s.TotalSteps)
	assert.Equal(t, 0.0, s.BubbleFraction())
	for i, op := range s.Ops {
		assert.Equal(t, Op{Stage: 0, MicroBatch: uint32(i)}, op)
	}
}

func TestGenerateSchedule_ZeroMicroBatches(t *testing.T) {
	_, err := GenerateSchedule(3, 0)
	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, ErrKind(err))
}

func TestGenerateSchedule_ZeroStages(t *testing.T) {
	_, err := GenerateSchedule(0, 4)
	require.Error(t, err)
	assert.Equal(t, KindConfig, ErrKind(err))
}

func TestBubbleFraction(t *testing.T) {
	s, err := GenerateSchedule(4, 16)
	require.NoError(t, err)
	// (4-1)/19
	assert.InDelta(t, 3.0/19.0, s.BubbleFraction(), 1e-10)
}

func TestFillDepth(t *testing.T) {
	s, err := GenerateSchedule(3, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, s.FillDepth(0))
	assert.Equal(t, 2, s.FillDepth(1))
	assert.Equal(t, 3, s.FillDepth(2))
	// Clamped at the chain length for hypothetical deeper stages.
	assert.Equal(t, 3, s.FillDepth(9))
}

func TestGenerateSchedule_Deterministic(t *testing.T) {
	a, err := GenerateSchedule(5, 9)
	require.NoError(t, err)
	b, err := GenerateSchedule(5, 9)
	require.NoError(t, err)
	assert.True(t, EqualOps(a.Ops, b.Ops))
}

func TestStageOps(t *testing.T) {
	s, err := GenerateSchedule(3, 4)
	require.NoError(t, err)
	ops := s.StageOps(1)
	require.Len(t, ops, 4)
	for i, op := range ops {
		assert.Equal(t, Op{Stage: 1, MicroBatch: uint32(i)}, op)
	}
}
