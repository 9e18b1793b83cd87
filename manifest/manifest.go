// Package manifest describes the declarative shard topology a pipeshard
// chain is built from: the ordered stage list, each stage's layer range
// and expected attestation measurements, and the wire shape of the
// activations that flow between them.
//
// Every invariant here is checked by Validate before any network operation
// is attempted, matching spec §3: a bad manifest is a Config error, never a
// runtime surprise.
package manifest

import (
	"encoding/json"
	"io"

	"github.com/luxfi/pipeshard/pipeerr"
	"github.com/luxfi/pipeshard/tensor"
)

// TransportKind tags an Endpoint's concrete transport.
type TransportKind string

const (
	TransportTCP    TransportKind = "tcp"
	TransportVSock  TransportKind = "vsock"
	TransportInproc TransportKind = "inproc"
)

// Endpoint is an address tagged by transport kind.
type Endpoint struct {
	Kind    TransportKind `json:"kind"`
	Address string        `json:"address"`
}

// ActivationSpec declares the wire shape of inter-stage activations.
type ActivationSpec struct {
	DType     tensor.DType `json:"dtype"`
	HiddenDim uint32       `json:"hidden_dim"`
	MaxSeqLen uint32       `json:"max_seq_len"`
}

// StageSpec describes one stage in the chain.
type StageSpec struct {
	StageIdx             uint32            `json:"stage_idx"`
	LayerStart           uint32            `json:"layer_start"`
	LayerEnd             uint32            `json:"layer_end"`
	WeightHashes         [][]byte          `json:"weight_hashes,omitempty"`
	ExpectedMeasurements map[uint32][]byte `json:"expected_measurements,omitempty"`
	Control              Endpoint          `json:"control"`
	DataIn               Endpoint          `json:"data_in"`
	DataOut              Endpoint          `json:"data_out"`
}

// Manifest describes a chain of length N >= 1.
type Manifest struct {
	ModelName      string         `json:"model_name"`
	ModelVersion   string         `json:"model_version"`
	TotalLayers    uint32         `json:"total_layers"`
	Stages         []StageSpec    `json:"stages"`
	ActivationSpec ActivationSpec `json:"activation_spec"`
}

// knownTopLevelFields lists the JSON keys Manifest recognizes; anything
// else is rejected unless it's "_"-prefixed (reserved for forward-compat
// extensions), per spec §6.
var knownTopLevelFields = map[string]bool{
	"model_name":      true,
	"model_version":   true,
	"total_layers":    true,
	"stages":          true,
	"activation_spec": true,
}

// Load reads and strictly validates a manifest from r.
func Load(r io.Reader) (*Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.Config, err, "reading manifest")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, pipeerr.Wrap(pipeerr.Config, err, "parsing manifest JSON")
	}
	for key := range fields {
		if knownTopLevelFields[key] {
			continue
		}
		if len(key) > 0 && key[0] == '_' {
			continue // reserved forward-compat extension field
		}
		return nil, pipeerr.Newf(pipeerr.Config, "manifest: unknown field %q", key)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, pipeerr.Wrap(pipeerr.Config, err, "decoding manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every manifest invariant from spec §3. It is always
// called before any network operation touches the manifest.
func (m *Manifest) Validate() error {
	if len(m.Stages) == 0 {
		return pipeerr.New(pipeerr.Config, "manifest: at least one stage is required")
	}
	if m.TotalLayers == 0 {
		return pipeerr.New(pipeerr.Config, "manifest: total_layers must be positive")
	}
	if m.Stages[0].LayerStart != 0 {
		return pipeerr.New(pipeerr.Config, "manifest: stage 0 must start at layer 0")
	}
	last := m.Stages[len(m.Stages)-1]
	if last.LayerEnd != m.TotalLayers {
		return pipeerr.Newf(pipeerr.Config, "manifest: last stage ends at layer %d, want total_layers %d", last.LayerEnd, m.TotalLayers)
	}

	var sumLayers uint64
	for i, s := range m.Stages {
		if int(s.StageIdx) != i {
			return pipeerr.Newf(pipeerr.Config, "manifest: stage at index %d declares stage_idx %d", i, s.StageIdx)
		}
		if s.LayerEnd <= s.LayerStart {
			return pipeerr.Newf(pipeerr.Config, "manifest: stage %d has empty or negative layer range [%d,%d)", s.StageIdx, s.LayerStart, s.LayerEnd)
		}
		if i > 0 && s.LayerStart != m.Stages[i-1].LayerEnd {
			return pipeerr.Newf(pipeerr.Config, "manifest: stage %d layer_start %d does not follow stage %d layer_end %d (gap or overlap)", s.StageIdx, s.LayerStart, i-1, m.Stages[i-1].LayerEnd)
		}
		sumLayers += uint64(s.LayerEnd - s.LayerStart)

		if s.Control.Address == "" {
			return pipeerr.Newf(pipeerr.Config, "manifest: stage %d missing control endpoint", s.StageIdx)
		}
		if s.DataIn.Address == "" {
			return pipeerr.Newf(pipeerr.Config, "manifest: stage %d missing data_in endpoint", s.StageIdx)
		}
		if s.DataOut.Address == "" {
			return pipeerr.Newf(pipeerr.Config, "manifest: stage %d missing data_out endpoint", s.StageIdx)
		}
	}
	if sumLayers != uint64(m.TotalLayers) {
		return pipeerr.Newf(pipeerr.Config, "manifest: stage layer ranges sum to %d, want total_layers %d", sumLayers, m.TotalLayers)
	}

	if m.ActivationSpec.HiddenDim == 0 {
		return pipeerr.New(pipeerr.Config, "manifest: activation_spec.hidden_dim must be positive")
	}
	if m.ActivationSpec.MaxSeqLen == 0 {
		return pipeerr.New(pipeerr.Config, "manifest: activation_spec.max_seq_len must be positive")
	}
	if m.ActivationSpec.DType.Sizeof() == 0 {
		return pipeerr.Newf(pipeerr.Config, "manifest: activation_spec.dtype %d is not a recognized dtype", m.ActivationSpec.DType)
	}

	return nil
}

// N returns the number of stages in the chain.
func (m *Manifest) N() int { return len(m.Stages) }

// PeerMeasurements returns the expected measurements of stage i's
// neighbors, used to populate an Init message's peer_measurements field.
// Either side may be nil at the ends of the chain.
func (m *Manifest) PeerMeasurements(i int) (prev, next map[uint32][]byte) {
	if i > 0 {
		prev = m.Stages[i-1].ExpectedMeasurements
	}
	if i < len(m.Stages)-1 {
		next = m.Stages[i+1].ExpectedMeasurements
	}
	return prev, next
}
