package attestation

import (
	"context"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func subjectBytes(b byte) []byte {
	id := make([]byte, len(ids.NodeID{}))
	id[0] = b
	return id
}

func TestNodeIDFromBytes_RejectsWrongLength(t *testing.T) {
	_, err := NodeIDFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestNodeIDFromBytes_RoundTrip(t *testing.T) {
	raw := subjectBytes(0x42)
	id, err := NodeIDFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, raw, id.Bytes())
}

func TestDocumentVerifier_AcceptsMatchingMeasurements(t *testing.T) {
	raw := subjectBytes(0x09)
	v := DocumentVerifier{
		CheckDocument: func(_ context.Context, _ []byte) (map[uint32][]byte, []byte, error) {
			return map[uint32][]byte{0: {0xAA}, 1: {0xBB}}, raw, nil
		},
	}
	id, err := v.Verify(context.Background(), []byte("doc"), map[uint32][]byte{0: {0xAA}})
	require.NoError(t, err)
	require.Equal(t, raw, id.Bytes())
}

func TestDocumentVerifier_RejectsMeasurementMismatch(t *testing.T) {
	v := DocumentVerifier{
		CheckDocument: func(_ context.Context, _ []byte) (map[uint32][]byte, []byte, error) {
			return map[uint32][]byte{0: {0xAA}}, subjectBytes(0x01), nil
		},
	}
	_, err := v.Verify(context.Background(), []byte("doc"), map[uint32][]byte{0: {0xFF}})
	require.Error(t, err)
}

func TestDocumentVerifier_RejectsMissingMeasurement(t *testing.T) {
	v := DocumentVerifier{
		CheckDocument: func(_ context.Context, _ []byte) (map[uint32][]byte, []byte, error) {
			return map[uint32][]byte{}, subjectBytes(0x01), nil
		},
	}
	_, err := v.Verify(context.Background(), []byte("doc"), map[uint32][]byte{7: {0xFF}})
	require.Error(t, err)
}
