// Package health adapts the orchestrator's HealthCheck operation (spec
// §4.5.4) onto a small Checkable/Report contract, so a host process can
// expose it alongside its other components' health the way the teacher's
// health package does for consensus engine health.
package health

import (
	"context"
	"time"

	"github.com/luxfi/pipeshard/orchestrator"
	"github.com/luxfi/pipeshard/pipeerr"
)

// Checkable reports a structured health status on demand.
type Checkable interface {
	Health(ctx context.Context) (Report, error)
}

// Report is one component's health report.
type Report struct {
	Healthy  bool          `json:"healthy"`
	State    string        `json:"state"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// orchestratorChecker adapts an *orchestrator.Orchestrator to Checkable.
type orchestratorChecker struct {
	o *orchestrator.Orchestrator
}

// NewOrchestratorChecker wraps o's HealthCheck and current ChainState as
// a Checkable, so a host process's health surface can drive the
// pipeline's own round-trip liveness probe instead of only inspecting
// its cached state.
func NewOrchestratorChecker(o *orchestrator.Orchestrator) Checkable {
	return &orchestratorChecker{o: o}
}

func (c *orchestratorChecker) Health(ctx context.Context) (Report, error) {
	start := time.Now()
	state := c.o.State()

	// HealthCheck is only meaningful once the data plane is up; in any
	// earlier or later state, report the cached ChainState without
	// driving a new round trip.
	if state != orchestrator.StateDataReady && state != orchestrator.StateRunning {
		return Report{
			Healthy:  state != orchestrator.StateTainted,
			State:    state.String(),
			Duration: time.Since(start),
		}, nil
	}

	err := c.o.HealthCheck(ctx)
	report := Report{
		Healthy:  err == nil,
		State:    c.o.State().String(),
		Duration: time.Since(start),
	}
	if err != nil {
		if kind, ok := pipeerr.KindOf(err); ok {
			report.Detail = kind.String()
		} else {
			report.Detail = err.Error()
		}
		return report, err
	}
	return report, nil
}
