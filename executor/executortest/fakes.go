// Package executortest provides hand-written fake implementations of the
// executor package's interfaces for tests, in the same style as the
// teacher's sendertest/routermock packages (plain structs, no generated
// mocking framework).
package executortest

import (
	"context"
	"fmt"

	"github.com/luxfi/pipeshard/executor"
	"github.com/luxfi/pipeshard/tensor"
)

// PassThrough is an Executor whose Forward returns its input unchanged.
// Used for the spec's round-trip identity property (§8).
type PassThrough struct {
	ResetCalls []uint64
}

func (p *PassThrough) Forward(_ context.Context, in tensor.Tensor, _ uint32, _ uint32) (tensor.Tensor, error) {
	return in, nil
}

func (p *PassThrough) ResetCache(requestID uint64) error {
	p.ResetCalls = append(p.ResetCalls, requestID)
	return nil
}

// AddByteStage is an Executor that adds its stage index to the first byte
// of the tensor's data, used to exercise the "each stage transforms the
// activation" scenario from spec §8 scenario 2.
type AddByteStage struct {
	StageIdx uint8
}

func (a AddByteStage) Forward(_ context.Context, in tensor.Tensor, _ uint32, _ uint32) (tensor.Tensor, error) {
	out := tensor.Tensor{DType: in.DType, Shape: in.Shape, Data: append([]byte(nil), in.Data...)}
	if len(out.Data) > 0 {
		out.Data[0] += a.StageIdx
	}
	return out, nil
}

func (a AddByteStage) ResetCache(uint64) error { return nil }

// FailingAt is an Executor that returns an error on a specific
// micro-batch index, used to exercise the stage-crash-mid-request
// scenario from spec §8 scenario 3.
type FailingAt struct {
	MicroBatchIdx uint32
}

func (f FailingAt) Forward(_ context.Context, in tensor.Tensor, _ uint32, mbIdx uint32) (tensor.Tensor, error) {
	if mbIdx == f.MicroBatchIdx {
		return tensor.Tensor{}, fmt.Errorf("executor: synthetic failure at micro-batch %d", mbIdx)
	}
	return in, nil
}

func (f FailingAt) ResetCache(uint64) error { return nil }

// nodeIdentity is a minimal PeerIdentity used by StaticVerifier.
type nodeIdentity struct{ id []byte }

func (n nodeIdentity) Bytes() []byte  { return n.id }
func (n nodeIdentity) String() string { return fmt.Sprintf("%x", n.id) }

// NewPeerIdentity builds a PeerIdentity from raw bytes for test fixtures.
func NewPeerIdentity(b []byte) executor.PeerIdentity { return nodeIdentity{id: b} }

// StaticVerifier is an attestation Verifier that always succeeds with a
// fixed identity, or always fails if Fail is set.
type StaticVerifier struct {
	Identity executor.PeerIdentity
	Fail     error
}

func (s StaticVerifier) Verify(_ context.Context, _ []byte, _ map[uint32][]byte) (executor.PeerIdentity, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	return s.Identity, nil
}
