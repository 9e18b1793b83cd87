// Package attestation adapts the module's attestation verifier contract
// onto github.com/luxfi/ids node identities, the same identity type the
// consensus stack uses to name peers. pipeshard borrows the type purely
// as a well-typed 20-byte identity; it carries no consensus semantics
// here.
package attestation

import (
	"context"

	"github.com/luxfi/ids"

	"github.com/luxfi/pipeshard/executor"
	"github.com/luxfi/pipeshard/pipeerr"
)

// nodeIdentity adapts an ids.NodeID to executor.PeerIdentity.
type nodeIdentity struct {
	id ids.NodeID
}

func (n nodeIdentity) Bytes() []byte  { return n.id[:] }
func (n nodeIdentity) String() string { return n.id.String() }

// NodeIDFromBytes builds a PeerIdentity from the raw identity bytes an
// attestation document's subject field carries.
func NodeIDFromBytes(b []byte) (executor.PeerIdentity, error) {
	var id ids.NodeID
	if len(b) != len(id) {
		return nil, pipeerr.Newf(pipeerr.Attestation, "attestation: identity is %d bytes, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return nodeIdentity{id: id}, nil
}

// DocumentVerifier is a Verifier backed by a pluggable attestation
// document checker; it owns only the measurement-comparison and
// identity-extraction glue, never the cryptographic verification of the
// attestation evidence itself (spec §1, §6).
type DocumentVerifier struct {
	// CheckDocument validates the raw attestation bytes and returns the
	// measurement set (PCR index -> measured value) and the subject
	// identity bytes it attests to. It is the external collaborator
	// this module never implements.
	CheckDocument func(ctx context.Context, attestation []byte) (measurements map[uint32][]byte, subject []byte, err error)
}

// Verify checks attestation against expectedMeasurements and returns the
// attested peer's identity on success.
func (v DocumentVerifier) Verify(ctx context.Context, attestation []byte, expectedMeasurements map[uint32][]byte) (executor.PeerIdentity, error) {
	measurements, subject, err := v.CheckDocument(ctx, attestation)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.Attestation, err, "attestation: checking document")
	}
	for pcr, want := range expectedMeasurements {
		got, ok := measurements[pcr]
		if !ok {
			return nil, pipeerr.Newf(pipeerr.Attestation, "attestation: document missing measurement for PCR %d", pcr)
		}
		if !bytesEqual(got, want) {
			return nil, pipeerr.Newf(pipeerr.Attestation, "attestation: measurement mismatch at PCR %d", pcr)
		}
	}
	return NodeIDFromBytes(subject)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
