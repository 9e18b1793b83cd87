package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/pipeshard/tensor"
)

func TestControlFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello control plane")
	require.NoError(t, WriteControlFrame(&buf, TagInit, payload))

	tag, got, err := ReadControlFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TagInit, tag)
	require.Equal(t, payload, got)
}

func TestControlFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteControlFrame(&buf, TagDataChannelsUp, nil))

	tag, got, err := ReadControlFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TagDataChannelsUp, tag)
	require.Empty(t, got)
}

func TestControlFrame_RejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteControlFrame(&buf, TagInit, make([]byte, MaxControlFrameLen+1))
	require.Error(t, err)
}

func TestControlFrame_RejectsVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteControlFrame(&buf, TagInit, []byte("x")))
	raw := buf.Bytes()
	raw[4] = ProtocolVersion + 1 // corrupt the version byte

	_, _, err := ReadControlFrame(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestControlFrame_MultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteControlFrame(&buf, TagPing, []byte("a")))
	require.NoError(t, WriteControlFrame(&buf, TagShutdown, []byte("bb")))

	tag1, p1, err := ReadControlFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TagPing, tag1)
	require.Equal(t, []byte("a"), p1)

	tag2, p2, err := ReadControlFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TagShutdown, tag2)
	require.Equal(t, []byte("bb"), p2)
}

func TestTensorFrame_RoundTripPlainTensor(t *testing.T) {
	in := tensor.Tensor{
		DType: tensor.F32,
		Shape: []uint32{2, 3},
		Data:  []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteTensorFrame(&buf, in))

	out, err := ReadTensorFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, in.DType, out.DType)
	require.Equal(t, in.Shape, out.Shape)
	require.Equal(t, in.Data, out.Data)
	require.False(t, out.IsErrorSentinel())
}

func TestTensorFrame_RoundTripCacheClear(t *testing.T) {
	in := tensor.NewCacheClear()
	var buf bytes.Buffer
	require.NoError(t, WriteTensorFrame(&buf, in))

	out, err := ReadTensorFrame(&buf)
	require.NoError(t, err)
	require.True(t, out.IsCacheClear())
}

func TestTensorFrame_RoundTripErrorSentinel(t *testing.T) {
	in := tensor.NewErrorSentinel(3, tensor.ErrKindExecutorFailed, "kaboom")
	var buf bytes.Buffer
	require.NoError(t, WriteTensorFrame(&buf, in))

	out, err := ReadTensorFrame(&buf)
	require.NoError(t, err)
	require.True(t, out.IsErrorSentinel())
	stageIdx, kind, detail, ok := out.ErrorSentinelInfo()
	require.True(t, ok)
	require.Equal(t, uint32(3), stageIdx)
	require.Equal(t, tensor.ErrKindExecutorFailed, kind)
	require.Equal(t, "kaboom", detail)
}

func TestTensorFrame_RoundTripUnknownStageErrorSentinel(t *testing.T) {
	in := tensor.NewErrorSentinel(tensor.UnknownStageIdx, tensor.ErrKindTransportFailed, "")
	var buf bytes.Buffer
	require.NoError(t, WriteTensorFrame(&buf, in))

	out, err := ReadTensorFrame(&buf)
	require.NoError(t, err)
	stageIdx, kind, detail, ok := out.ErrorSentinelInfo()
	require.True(t, ok)
	require.Equal(t, tensor.UnknownStageIdx, stageIdx)
	require.Equal(t, tensor.ErrKindTransportFailed, kind)
	require.Empty(t, detail)
}

func TestTensorFrame_RejectsOversizedPayload(t *testing.T) {
	in := tensor.Tensor{DType: tensor.F32, Shape: []uint32{1}, Data: make([]byte, MaxTensorFrameLen+1)}
	var buf bytes.Buffer
	err := WriteTensorFrame(&buf, in)
	require.Error(t, err)
}

func TestTensorFrame_RejectsBadTag(t *testing.T) {
	var buf bytes.Buffer
	in := tensor.Tensor{DType: tensor.U32, Shape: nil, Data: nil}
	require.NoError(t, WriteTensorFrame(&buf, in))
	raw := buf.Bytes()
	raw[1] = 0x02 // corrupt the tensor frame tag

	_, err := ReadTensorFrame(bytes.NewReader(raw))
	require.Error(t, err)
}
