// Package schedule generates the deterministic 1F1B fill-drain micro-batch
// schedule the orchestrator broadcasts to every stage for a request
// (spec §4.2).
package schedule

import (
	"math"

	"github.com/luxfi/pipeshard/pipeerr"
)

// MaxMicroBatches is the largest micro-batch count a single request may
// carry (2^32 - 1, spec §3).
const MaxMicroBatches = math.MaxUint32

// Op is one scheduled forward operation: stage s processes micro-batch mb.
type Op struct {
	Stage      uint32
	MicroBatch uint32
}

// Generate produces the ordered 1F1B schedule for n stages and m
// micro-batches. It is pure and deterministic given (n, m).
//
// The schedule satisfies, for every (n, m):
//   - Ordering: for each stage s, op(s, mb_i) precedes op(s, mb_j) iff i<j.
//   - Dependency: for each mb m, op(s+1, m) never precedes op(s, m).
//   - Tie-break: among operations ready at the same logical step, the one
//     whose stage has the fewest micro-batches already scheduled goes
//     first; ties on that count are broken by lower stage index first.
//     Since a stage is only ready once its upstream is strictly ahead of
//     it, the result is micro-batch-major: every stage runs micro-batch k,
//     in stage order, before any stage starts micro-batch k+1, e.g.
//     (0,0),(1,0),(2,0),(0,1),... for three stages. Stage 0 never runs
//     more than one micro-batch ahead of the last stage.
//
// m == 0 and m > MaxMicroBatches are rejected as InvalidRequest and never
// silently truncated.
func Generate(n uint32, m uint64) ([]Op, error) {
	if n == 0 {
		return nil, pipeerr.New(pipeerr.InvalidRequest, "schedule: need at least one stage")
	}
	if m == 0 {
		return nil, pipeerr.New(pipeerr.InvalidRequest, "schedule: micro_batch_count must be positive")
	}
	if m > MaxMicroBatches {
		return nil, pipeerr.Newf(pipeerr.InvalidRequest, "schedule: micro_batch_count %d exceeds the %d limit", m, uint64(MaxMicroBatches))
	}

	total := uint64(n) * m
	ops := make([]Op, 0, total)

	// next[s] counts how many micro-batches stage s has already been
	// scheduled to process; it doubles as "the next micro-batch index
	// stage s is ready for".
	next := make([]uint64, n)

	for uint64(len(ops)) < total {
		best := -1
		for s := uint32(0); s < n; s++ {
			if next[s] >= m {
				continue
			}
			ready := s == 0 || next[s-1] > next[s]
			if !ready {
				continue
			}
			if best == -1 || next[s] < next[uint32(best)] {
				best = int(s)
			}
			// ties on next[s] are resolved by the outer loop's increasing
			// s order, so the first s encountered with the minimal count
			// wins — lower stage index first.
		}
		s := uint32(best)
		ops = append(ops, Op{Stage: s, MicroBatch: uint32(next[s])})
		next[s]++
	}

	return ops, nil
}
