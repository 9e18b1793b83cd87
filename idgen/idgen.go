// Package idgen generates per-process-unique request identifiers: an
// atomic counter seeded from a cryptographically random high half, so
// no two requests from the same orchestrator process collide within
// its lifetime, and ids are not predictable from a raw clock value
// alone (spec §3).
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/luxfi/pipeshard/pipeerr"
)

// Generator produces monotonically increasing, process-unique request
// IDs.
type Generator struct {
	counter atomic.Uint64
}

// NewGenerator seeds a Generator's high 32 bits from a cryptographic
// RNG and starts its low 32 bits at zero, so IDs are both
// collision-resistant across process restarts and monotonic within
// one process's lifetime.
func NewGenerator() (*Generator, error) {
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, pipeerr.Wrap(pipeerr.Config, err, "idgen: reading random seed")
	}
	g := &Generator{}
	g.counter.Store(uint64(binary.BigEndian.Uint32(seed[:])) << 32)
	return g, nil
}

// Next returns the next request ID.
func (g *Generator) Next() uint64 {
	return g.counter.Add(1)
}
