// Package executor defines the narrow external-collaborator contracts
// pipeshard consumes but never implements on the hot path: the user's
// forward executor, the attestation verifier, and the opaque peer identity
// it produces. Concrete attested-transport implementations and model
// kernels live outside this module (spec §1).
package executor

import (
	"context"
	"time"

	"github.com/luxfi/pipeshard/tensor"
)

// Executor runs the forward pass for the layer range one stage owns. The
// stage runtime guarantees it never invokes Forward or ResetCache
// concurrently on the same Executor instance (spec §4.3, §5).
type Executor interface {
	// Forward consumes one activation tensor and produces exactly one
	// result tensor to send downstream. Cache-clear sentinels never reach
	// Forward; the stage runtime routes them to ResetCache instead.
	Forward(ctx context.Context, in tensor.Tensor, seqLen uint32, microBatchIdx uint32) (tensor.Tensor, error)

	// ResetCache clears any per-request KV-cache state the executor holds
	// for requestID.
	ResetCache(requestID uint64) error
}

// PeerIdentity is the opaque attested identity a secure channel's upgrade
// handshake produces. pipeshard never inspects its internals — it only
// compares it against expected measurements and logs it.
type PeerIdentity interface {
	Bytes() []byte
	String() string
}

// Verifier checks attestation evidence against a set of expected
// measurements (PCR index -> expected measurement bytes) and, on success,
// returns the peer's identity.
type Verifier interface {
	Verify(ctx context.Context, attestation []byte, expectedMeasurements map[uint32][]byte) (PeerIdentity, error)
}

// Clock abstracts monotonic time so timeouts are testable without real
// sleeps.
type Clock interface {
	Now() time.Time
}
