package orchestrator

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stats holds the engine's monotonic counters. Snapshot returns a copy;
// counters are updated atomically and never block.
type Stats struct {
	TasksAssigned   atomic.Int64
	TasksCompleted  atomic.Int64
	TasksFailed     atomic.Int64
	TasksRetried    atomic.Int64
	TasksDead       atomic.Int64
	ResultsReceived atomic.Int64
	Brainstorms     atomic.Int64
	VotesCast       atomic.Int64
	StatusPublished atomic.Int64

	counter metric.Int64Counter
	attrs   []attribute.KeyValue
}

func newStats(agentID string, role Role) *Stats {
	meter := otel.Meter("github.com/fairyhunter13/swarmq/pkg/orchestrator")
	counter, err := meter.Int64Counter("swarmq.engine.events",
		metric.WithDescription("Engine lifecycle events by kind"))
	if err != nil {
		// The noop meter never errors; a misconfigured SDK falls back to
		// counting in-process only.
		counter = nil
	}
	return &Stats{
		counter: counter,
		attrs: []attribute.KeyValue{
			attribute.String("agent_id", agentID),
			attribute.String("role", string(role)),
		},
	}
}

func (s *Stats) inc(c *atomic.Int64, kind string) {
	c.Add(1)
	if s.counter != nil {
		s.counter.Add(context.Background(), 1,
			metric.WithAttributes(append(s.attrs, attribute.String("kind", kind))...))
	}
}

// Snapshot returns the counters as a map keyed by event kind.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"tasks_assigned":   s.TasksAssigned.Load(),
		"tasks_completed":  s.TasksCompleted.Load(),
		"tasks_failed":     s.TasksFailed.Load(),
		"tasks_retried":    s.TasksRetried.Load(),
		"tasks_dead":       s.TasksDead.Load(),
		"results_received": s.ResultsReceived.Load(),
		"brainstorms":      s.Brainstorms.Load(),
		"votes_cast":       s.VotesCast.Load(),
		"status_published": s.StatusPublished.Load(),
	}
}
