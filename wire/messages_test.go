package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/pipeshard/manifest"
	"github.com/luxfi/pipeshard/schedule"
	"github.com/luxfi/pipeshard/tensor"
)

func TestInit_RoundTrip(t *testing.T) {
	in := Init{
		StageSpec: manifest.StageSpec{
			StageIdx:     1,
			LayerStart:   4,
			LayerEnd:     8,
			WeightHashes: [][]byte{{0xAA, 0xBB}, {0xCC}},
			ExpectedMeasurements: map[uint32][]byte{
				0: {0x01, 0x02},
				1: {0x03},
			},
			Control: manifest.Endpoint{Kind: manifest.TransportTCP, Address: "10.0.0.1:9000"},
			DataIn:  manifest.Endpoint{Kind: manifest.TransportVSock, Address: "3:5000"},
			DataOut: manifest.Endpoint{Kind: manifest.TransportTCP, Address: "10.0.0.2:9001"},
		},
		ActivationSpec: manifest.ActivationSpec{
			DType:     tensor.F32,
			HiddenDim: 256,
			MaxSeqLen: 4096,
		},
		PrevMeasurements: map[uint32][]byte{0: {0x10}},
		NextMeasurements: map[uint32][]byte{1: {0x20, 0x21}},
	}

	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeInit(payload)
	require.NoError(t, err)
	require.Equal(t, in.StageSpec, out.StageSpec)
	require.Equal(t, in.ActivationSpec, out.ActivationSpec)
	require.Equal(t, in.PrevMeasurements, out.PrevMeasurements)
	require.Equal(t, in.NextMeasurements, out.NextMeasurements)
}

func TestInit_RoundTripNilMeasurements(t *testing.T) {
	in := Init{
		StageSpec: manifest.StageSpec{
			StageIdx:   0,
			LayerStart: 0,
			LayerEnd:   2,
			Control:    manifest.Endpoint{Kind: manifest.TransportInproc, Address: "stage-0-ctrl"},
			DataIn:     manifest.Endpoint{Kind: manifest.TransportInproc, Address: ""},
			DataOut:    manifest.Endpoint{Kind: manifest.TransportInproc, Address: "stage-0-out"},
		},
		ActivationSpec: manifest.ActivationSpec{DType: tensor.BF16, HiddenDim: 64, MaxSeqLen: 128},
	}

	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeInit(payload)
	require.NoError(t, err)
	require.Equal(t, in.StageSpec, out.StageSpec)
	require.Nil(t, out.PrevMeasurements)
	require.Nil(t, out.NextMeasurements)
}

func TestInit_DecodeRejectsTrailingBytes(t *testing.T) {
	in := Init{
		ActivationSpec: manifest.ActivationSpec{DType: tensor.U32, HiddenDim: 1, MaxSeqLen: 1},
	}
	payload, err := in.Encode()
	require.NoError(t, err)

	_, err = DecodeInit(append(payload, 0xFF))
	require.Error(t, err)
}

func TestReady_RoundTrip(t *testing.T) {
	in := Ready{StageIdx: 7, AttestationEcho: []byte{0x01, 0x02, 0x03}}
	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeReady(payload)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestStartRequest_RoundTrip(t *testing.T) {
	in := StartRequest{
		RequestID:       42,
		MicroBatchCount: 3,
		SeqLen:          128,
		Schedule: []schedule.Op{
			{Stage: 0, MicroBatch: 0},
			{Stage: 1, MicroBatch: 0},
			{Stage: 0, MicroBatch: 1},
		},
	}
	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeStartRequest(payload)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestStartRequest_RoundTripEmptySchedule(t *testing.T) {
	in := StartRequest{RequestID: 1, MicroBatchCount: 0, SeqLen: 1}
	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeStartRequest(payload)
	require.NoError(t, err)
	require.Empty(t, out.Schedule)
}

func TestRequestComplete_RoundTrip(t *testing.T) {
	in := RequestComplete{RequestID: 99}
	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeRequestComplete(payload)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestHealthCheckAck_RoundTrip(t *testing.T) {
	hc := HealthCheck{Nonce: 123}
	p, err := hc.Encode()
	require.NoError(t, err)
	gotHC, err := DecodeHealthCheck(p)
	require.NoError(t, err)
	require.Equal(t, hc, gotHC)

	ack := HealthAck{Nonce: 123, Status: 0}
	p, err = ack.Encode()
	require.NoError(t, err)
	gotAck, err := DecodeHealthAck(p)
	require.NoError(t, err)
	require.Equal(t, ack, gotAck)
}

func TestPingPong_RoundTrip(t *testing.T) {
	in := PingPong{Nonce: 555}
	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodePingPong(payload)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestStageError_RoundTripWithRequestID(t *testing.T) {
	in := StageError{
		HasRequestID: true,
		RequestID:    17,
		StageIdx:     2,
		Kind:         tensor.ErrKindUpstreamFailed,
		Detail:       "upstream closed connection",
	}
	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeStageError(payload)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestStageError_RoundTripWithoutRequestID(t *testing.T) {
	in := StageError{
		HasRequestID: false,
		StageIdx:     tensor.UnknownStageIdx,
		Kind:         tensor.ErrKindTransportFailed,
		Detail:       "",
	}
	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeStageError(payload)
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.Equal(t, uint64(0), out.RequestID)
}

func TestControlFrame_CarriesStageErrorPayload(t *testing.T) {
	se := StageError{StageIdx: 0, Kind: tensor.ErrKindExecutorFailed, Detail: "nan in activation"}
	payload, err := se.Encode()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteControlFrame(&buf, TagStageError, payload))

	tag, got, err := ReadControlFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TagStageError, tag)

	out, err := DecodeStageError(got)
	require.NoError(t, err)
	require.Equal(t, se, out)
}
