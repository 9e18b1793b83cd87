package schedule

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/pipeshard/pipeerr"
)

func TestGenerate_RejectsZeroMicroBatches(t *testing.T) {
	_, err := Generate(3, 0)
	require.Error(t, err)
	kind, _ := pipeerr.KindOf(err)
	require.Equal(t, pipeerr.InvalidRequest, kind)
}

func TestGenerate_RejectsOverLimit(t *testing.T) {
	_, err := Generate(3, MaxMicroBatches+1)
	require.Error(t, err)
}

func TestGenerate_AcceptsSingleMicroBatch(t *testing.T) {
	// Checks the smallest accepted count. Generate(n, MaxMicroBatches)
	// would allocate one Op per micro-batch, so the upper boundary value
	// itself is not exercised; TestGenerate_RejectsOverLimit covers the
	// value just above it.
	_, err := Generate(1, 1)
	require.NoError(t, err)
}

func TestGenerate_SingleStageIsSequential(t *testing.T) {
	ops, err := Generate(1, 4)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	for i, op := range ops {
		require.Equal(t, uint32(0), op.Stage)
		require.Equal(t, uint32(i), op.MicroBatch)
	}
}

func TestGenerate_TotalOpsCount(t *testing.T) {
	for _, n := range []uint32{1, 2, 3, 5} {
		for _, m := range []uint64{1, 2, 8, 16} {
			ops, err := Generate(n, m)
			require.NoError(t, err)
			require.Len(t, ops, int(uint64(n)*m))
		}
	}
}

func TestGenerate_PerStageOrderIncreasing(t *testing.T) {
	ops, err := Generate(3, 5)
	require.NoError(t, err)

	lastMB := map[uint32]int{}
	for _, op := range ops {
		if prev, ok := lastMB[op.Stage]; ok {
			require.Greater(t, int(op.MicroBatch), prev, "stage %d regressed", op.Stage)
		}
		lastMB[op.Stage] = int(op.MicroBatch)
	}
}

func TestGenerate_DependencyAcrossStages(t *testing.T) {
	ops, err := Generate(4, 6)
	require.NoError(t, err)

	// position[(stage,mb)] = index in the emitted order
	position := map[[2]uint32]int{}
	for i, op := range ops {
		position[[2]uint32{op.Stage, op.MicroBatch}] = i
	}
	for s := uint32(0); s < 3; s++ {
		for mb := uint32(0); mb < 6; mb++ {
			cur := position[[2]uint32{s, mb}]
			next := position[[2]uint32{s + 1, mb}]
			require.Less(t, cur, next, "op(%d,%d) must precede op(%d,%d)", s, mb, s+1, mb)
		}
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	a, err := Generate(3, 7)
	require.NoError(t, err)
	b, err := Generate(3, 7)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestGenerate_FillDrainShapeForThreeStagesFourMicroBatches(t *testing.T) {
	ops, err := Generate(3, 4)
	require.NoError(t, err)
	want := []Op{
		{Stage: 0, MicroBatch: 0},
		{Stage: 1, MicroBatch: 0},
		{Stage: 2, MicroBatch: 0},
		{Stage: 0, MicroBatch: 1},
		{Stage: 1, MicroBatch: 1},
		{Stage: 2, MicroBatch: 1},
		{Stage: 0, MicroBatch: 2},
		{Stage: 1, MicroBatch: 2},
		{Stage: 2, MicroBatch: 2},
		{Stage: 0, MicroBatch: 3},
		{Stage: 1, MicroBatch: 3},
		{Stage: 2, MicroBatch: 3},
	}
	require.Equal(t, want, ops)
}

func TestGenerate_RejectsZeroStages(t *testing.T) {
	_, err := Generate(0, 1)
	require.Error(t, err)
}
