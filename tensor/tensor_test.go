package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheClearSentinel(t *testing.T) {
	ct := NewCacheClear()
	require.True(t, ct.IsCacheClear())
	require.False(t, ct.IsErrorSentinel())

	ordinary := Tensor{DType: F32, Shape: []uint32{1, 4}, Data: make([]byte, 16)}
	require.False(t, ordinary.IsCacheClear())
}

func TestErrorSentinelRoundTrip(t *testing.T) {
	et := NewErrorSentinel(3, ErrKindExecutorFailed, "boom")
	require.True(t, et.IsErrorSentinel())
	require.Equal(t, ErrorSentinelDType, et.DType)

	stageIdx, kind, detail, ok := et.ErrorSentinelInfo()
	require.True(t, ok)
	require.Equal(t, uint32(3), stageIdx)
	require.Equal(t, ErrKindExecutorFailed, kind)
	require.Equal(t, "boom", detail)

	_, _, _, ok = NewCacheClear().ErrorSentinelInfo()
	require.False(t, ok)
}

func TestUnknownStageIdxIsNeverZero(t *testing.T) {
	require.NotEqual(t, uint32(0), UnknownStageIdx)
	et := NewErrorSentinel(UnknownStageIdx, ErrKindUpstreamFailed, "relay: origin unattributable")
	idx, _, _, ok := et.ErrorSentinelInfo()
	require.True(t, ok)
	require.Equal(t, UnknownStageIdx, idx)
}

func TestMatchesSpec(t *testing.T) {
	ten := Tensor{DType: F32, Shape: []uint32{1, 8, 4096}}
	require.True(t, ten.MatchesSpec(F32, 4096))
	require.False(t, ten.MatchesSpec(F32, 2048))
	require.False(t, ten.MatchesSpec(U32, 4096))
	require.False(t, Tensor{DType: F32}.MatchesSpec(F32, 4096))
}

func TestNumElements(t *testing.T) {
	ten := Tensor{Shape: []uint32{2, 3, 4}}
	require.Equal(t, uint64(24), ten.NumElements())
	require.Equal(t, uint64(1), Tensor{}.NumElements())
}
