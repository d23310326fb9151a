package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/swarmq/pkg/broker"
)

// Topology names the queues and exchanges the engine operates on. All names
// are parameterizable; DefaultTopology returns the canonical set.
type Topology struct {
	// TaskQueuePrefix prefixes the per-priority task queues,
	// e.g. "agent.tasks" yields "agent.tasks.critical" .. "agent.tasks.low".
	TaskQueuePrefix string
	// DeadLetterExchange and DeadLetterQueue receive exhausted tasks.
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	DeadLetterQueue      string
	ResultsQueue         string
	BrainstormExchange   string
	StatusExchange       string
	VotingExchange       string
	// RepliesExchange is the direct exchange carrying brainstorm replies and
	// ballots back to their initiator.
	RepliesExchange string
	// TaskMessageTTL and TaskMaxLength are applied to the task queues when
	// non-zero.
	TaskMessageTTL time.Duration
	TaskMaxLength  int
}

// DefaultTopology returns the canonical broker layout.
func DefaultTopology() Topology {
	return Topology{
		TaskQueuePrefix:      "agent.tasks",
		DeadLetterExchange:   "agent.tasks.dlx",
		DeadLetterRoutingKey: "dead",
		DeadLetterQueue:      "agent.tasks.dead",
		ResultsQueue:         "agent.results",
		BrainstormExchange:   "agent.brainstorm",
		StatusExchange:       "agent.status",
		VotingExchange:       "agent.voting",
		RepliesExchange:      "agent.replies",
		TaskMessageTTL:       time.Hour,
		TaskMaxLength:        10000,
	}
}

// taskQueue returns the queue name for a priority.
func (t Topology) taskQueue(p Priority) string {
	return fmt.Sprintf("%s.%s", t.TaskQueuePrefix, p)
}

// votingReplyQueue is the initiator's private ballot queue.
func (t Topology) votingReplyQueue(agentID string) string {
	return "voting.results." + agentID
}

// brainstormReplyQueue is the initiator's private suggestion queue.
func (t Topology) brainstormReplyQueue(agentID string) string {
	return "brainstorm.results." + agentID
}

func (t Topology) votingReplyKey(agentID string) string     { return "voting." + agentID }
func (t Topology) brainstormReplyKey(agentID string) string { return "brainstorm." + agentID }

// assertTaskTopology declares the priority task queues, the dead-letter
// exchange and the dead-letter queue.
func (e *Engine) assertTaskTopology(ctx context.Context) error {
	t := e.topo
	if err := e.broker.AssertDirect(ctx, t.DeadLetterExchange); err != nil {
		return err
	}
	if err := e.broker.AssertQueue(ctx, t.DeadLetterQueue, broker.QueueOpts{Durable: true}); err != nil {
		return err
	}
	if err := e.broker.Bind(ctx, t.DeadLetterQueue, t.DeadLetterExchange, t.DeadLetterRoutingKey); err != nil {
		return err
	}
	for _, p := range priorityOrder {
		opts := broker.QueueOpts{
			Durable:              true,
			MaxPriority:          10,
			MessageTTL:           t.TaskMessageTTL,
			MaxLength:            t.TaskMaxLength,
			DeadLetterExchange:   t.DeadLetterExchange,
			DeadLetterRoutingKey: t.DeadLetterRoutingKey,
		}
		if err := e.broker.AssertQueue(ctx, t.taskQueue(p), opts); err != nil {
			return err
		}
	}
	return e.broker.AssertQueue(ctx, t.ResultsQueue, broker.QueueOpts{Durable: true})
}

// assertReplyTopology declares the initiator-side reply queues on the direct
// replies exchange.
func (e *Engine) assertReplyTopology(ctx context.Context) error {
	t := e.topo
	if err := e.broker.AssertDirect(ctx, t.RepliesExchange); err != nil {
		return err
	}
	pairs := [][2]string{
		{t.brainstormReplyQueue(e.agent.ID), t.brainstormReplyKey(e.agent.ID)},
		{t.votingReplyQueue(e.agent.ID), t.votingReplyKey(e.agent.ID)},
	}
	for _, p := range pairs {
		if err := e.broker.AssertQueue(ctx, p[0], broker.QueueOpts{Durable: true, Expires: 24 * time.Hour}); err != nil {
			return err
		}
		if err := e.broker.Bind(ctx, p[0], t.RepliesExchange, p[1]); err != nil {
			return err
		}
	}
	return nil
}
