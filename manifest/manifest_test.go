package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/pipeshard/pipeerr"
	"github.com/luxfi/pipeshard/tensor"
)

func validManifestJSON() string {
	return `{
		"model_name": "tinyllama",
		"model_version": "1.0",
		"total_layers": 4,
		"activation_spec": {"dtype": 2, "hidden_dim": 128, "max_seq_len": 2048},
		"stages": [
			{"stage_idx": 0, "layer_start": 0, "layer_end": 2,
			 "control": {"kind": "tcp", "address": "10.0.0.1:9000"},
			 "data_in": {"kind": "tcp", "address": "10.0.0.1:9001"},
			 "data_out": {"kind": "tcp", "address": "10.0.0.1:9002"}},
			{"stage_idx": 1, "layer_start": 2, "layer_end": 4,
			 "control": {"kind": "tcp", "address": "10.0.0.2:9000"},
			 "data_in": {"kind": "tcp", "address": "10.0.0.2:9001"},
			 "data_out": {"kind": "tcp", "address": "10.0.0.2:9002"}}
		]
	}`
}

func TestLoad_Valid(t *testing.T) {
	m, err := Load(strings.NewReader(validManifestJSON()))
	require.NoError(t, err)
	require.Equal(t, 2, m.N())
	require.Equal(t, tensor.F32, m.ActivationSpec.DType)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	bad := `{"model_name": "x", "bogus_field": 1, "total_layers": 1, "stages": [], "activation_spec": {}}`
	_, err := Load(strings.NewReader(bad))
	require.Error(t, err)
	kind, ok := pipeerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, pipeerr.Config, kind)
}

func TestLoad_UnderscorePrefixedFieldAllowed(t *testing.T) {
	withExt := strings.Replace(validManifestJSON(), `"model_name"`, `"_comment": "forward-compat", "model_name"`, 1)
	_, err := Load(strings.NewReader(withExt))
	require.NoError(t, err)
}

func TestValidate_RejectsNonContiguousStages(t *testing.T) {
	m := &Manifest{
		TotalLayers: 4,
		ActivationSpec: ActivationSpec{DType: tensor.F32, HiddenDim: 1, MaxSeqLen: 1},
		Stages: []StageSpec{
			{StageIdx: 0, LayerStart: 0, LayerEnd: 2, Control: Endpoint{Address: "a"}, DataIn: Endpoint{Address: "a"}, DataOut: Endpoint{Address: "a"}},
			{StageIdx: 1, LayerStart: 3, LayerEnd: 4, Control: Endpoint{Address: "a"}, DataIn: Endpoint{Address: "a"}, DataOut: Endpoint{Address: "a"}},
		},
	}
	err := m.Validate()
	require.Error(t, err)
	kind, _ := pipeerr.KindOf(err)
	require.Equal(t, pipeerr.Config, kind)
}

func TestValidate_RejectsBadStageIdxOrdering(t *testing.T) {
	m := &Manifest{
		TotalLayers: 4,
		ActivationSpec: ActivationSpec{DType: tensor.F32, HiddenDim: 1, MaxSeqLen: 1},
		Stages: []StageSpec{
			{StageIdx: 1, LayerStart: 0, LayerEnd: 2, Control: Endpoint{Address: "a"}, DataIn: Endpoint{Address: "a"}, DataOut: Endpoint{Address: "a"}},
			{StageIdx: 0, LayerStart: 2, LayerEnd: 4, Control: Endpoint{Address: "a"}, DataIn: Endpoint{Address: "a"}, DataOut: Endpoint{Address: "a"}},
		},
	}
	require.Error(t, m.Validate())
}

func TestValidate_RejectsZeroStages(t *testing.T) {
	m := &Manifest{TotalLayers: 1}
	require.Error(t, m.Validate())
}

func TestPeerMeasurements(t *testing.T) {
	m, err := Load(strings.NewReader(validManifestJSON()))
	require.NoError(t, err)

	prev, next := m.PeerMeasurements(0)
	require.Nil(t, prev)
	require.Nil(t, next) // no measurements declared in fixture, but shape is right

	prev, next = m.PeerMeasurements(1)
	require.Nil(t, prev)
	require.Nil(t, next)
}
