package stage

import "sync/atomic"

// State is a stage runtime's position in its lifecycle (spec §4, §4.3):
// Listening -> Configured -> Ready -> Serving -> Draining -> Closed.
type State int32

const (
	StateListening State = iota
	StateConfigured
	StateReady
	StateServing
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "Listening"
	case StateConfigured:
		return "Configured"
	case StateReady:
		return "Ready"
	case StateServing:
		return "Serving"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// stateBox is an atomically-readable state cell; the runtime's own
// goroutine is the sole writer, so plain atomic stores suffice without a
// compare-and-swap protocol.
type stateBox struct{ v atomic.Int32 }

func (b *stateBox) set(s State) { b.v.Store(int32(s)) }
func (b *stateBox) get() State  { return State(b.v.Load()) }
