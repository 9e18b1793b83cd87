package orchestrator

import "sync/atomic"

// ChainState is the orchestrator's pipeline-wide lifecycle position
// (spec §4.6): Uninit -> CtrlReady -> DataReady -> Running, with
// Tainted sticky from any state and Terminated reachable only via
// shutdown.
type ChainState int32

const (
	StateUninit ChainState = iota
	StateCtrlReady
	StateDataReady
	StateRunning
	StateTainted
	StateTerminated
)

func (s ChainState) String() string {
	switch s {
	case StateUninit:
		return "Uninit"
	case StateCtrlReady:
		return "CtrlReady"
	case StateDataReady:
		return "DataReady"
	case StateRunning:
		return "Running"
	case StateTainted:
		return "Tainted"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// chainStateBox holds the chain state with taint treated as sticky: a
// set() call while already Tainted or Terminated is refused unless the
// new state is itself Tainted or Terminated.
type chainStateBox struct{ v atomic.Int32 }

func (b *chainStateBox) get() ChainState { return ChainState(b.v.Load()) }

// set transitions to s unless the pipeline is already Tainted or
// Terminated, so a concurrent taint or shutdown is never overwritten by
// forward progress. Callers use taint/terminate for the sticky-final
// transitions.
func (b *chainStateBox) set(s ChainState) {
	final := s == StateTainted || s == StateTerminated
	for {
		cur := ChainState(b.v.Load())
		if !final && (cur == StateTainted || cur == StateTerminated) {
			return
		}
		if b.v.CompareAndSwap(int32(cur), int32(s)) {
			return
		}
	}
}

// taint marks the pipeline Tainted regardless of current state, unless
// already Terminated (shutdown has the final word).
func (b *chainStateBox) taint() {
	for {
		cur := ChainState(b.v.Load())
		if cur == StateTerminated {
			return
		}
		if b.v.CompareAndSwap(int32(cur), int32(StateTainted)) {
			return
		}
	}
}

// terminate marks the pipeline Terminated from any state.
func (b *chainStateBox) terminate() { b.v.Store(int32(StateTerminated)) }
