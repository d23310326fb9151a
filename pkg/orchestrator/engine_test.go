package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/swarmq/pkg/voting"
)

func newTestEngine(t *testing.T, role Role, f *fakeBroker) *Engine {
	t.Helper()
	e, err := RegisterAgent(context.Background(), f, AgentOptions{
		Role:       role,
		Level:      3,
		MaxRetries: 3,
		RetryBase:  10 * time.Millisecond,
		RetryMax:   100 * time.Millisecond,
		Logger:     slog.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func Test_RegisterAgent_RejectsBadOptions(t *testing.T) {
	t.Parallel()
	f := newFakeBroker()

	_, err := RegisterAgent(context.Background(), f, AgentOptions{Role: "manager"})
	require.True(t, errors.Is(err, ErrConfig))

	_, err = RegisterAgent(context.Background(), f, AgentOptions{Role: RoleWorker, Level: 9})
	require.True(t, errors.Is(err, ErrConfig))

	require.Empty(t, f.publishes())
}

func Test_RegisterAgent_LeaderTopology(t *testing.T) {
	t.Parallel()
	f := newFakeBroker()
	_ = newTestEngine(t, RoleLeader, f)

	for _, q := range []string{
		"agent.tasks.critical", "agent.tasks.high", "agent.tasks.normal", "agent.tasks.low",
		"agent.tasks.dead", "agent.results",
	} {
		require.True(t, f.hasQueue(q), "missing queue %s", q)
	}
	require.Equal(t, "fanout", f.exchanges["agent.brainstorm"])
	require.Equal(t, "fanout", f.exchanges["agent.voting"])
	require.Equal(t, "topic", f.exchanges["agent.status"])
	require.Equal(t, "direct", f.exchanges["agent.replies"])
	require.Equal(t, "direct", f.exchanges["agent.tasks.dlx"])

	// Priority queues carry TTL, bounded length, priority support and DLX.
	f.mu.Lock()
	opts := f.queues["agent.tasks.high"]
	f.mu.Unlock()
	require.True(t, opts.Durable)
	require.Equal(t, time.Hour, opts.MessageTTL)
	require.Equal(t, 10000, opts.MaxLength)
	require.Equal(t, 10, opts.MaxPriority)
	require.Equal(t, "agent.tasks.dlx", opts.DeadLetterExchange)
	require.Equal(t, "dead", opts.DeadLetterRoutingKey)
}

func Test_RoleEnforcement_NoTrafficOnDenial(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFakeBroker()
	monitor := newTestEngine(t, RoleMonitor, f)
	before := len(f.publishes())

	_, err := monitor.AssignTask(ctx, Task{Title: "x"})
	require.True(t, errors.Is(err, ErrConfig))
	_, err = monitor.StartBrainstorm(ctx, "t", "q", time.Second)
	require.True(t, errors.Is(err, ErrConfig))
	_, err = monitor.InitiateVote(ctx, voting.Config{})
	require.True(t, errors.Is(err, ErrConfig))
	err = monitor.HandleTasks(ctx, func(context.Context, Task) (json.RawMessage, error) { return nil, nil })
	require.True(t, errors.Is(err, ErrConfig))
	err = monitor.OnBrainstorm(func(context.Context, BrainstormPrompt) ([]string, error) { return nil, nil })
	require.True(t, errors.Is(err, ErrConfig))
	err = monitor.OnVote(func(context.Context, BallotRequest) (*voting.Ballot, error) { return nil, nil })
	require.True(t, errors.Is(err, ErrConfig))
	err = monitor.PublishStatus(ctx, "custom", nil)
	require.True(t, errors.Is(err, ErrConfig))

	require.Len(t, f.publishes(), before, "denied operations must not publish")

	worker := newTestEngine(t, RoleWorker, newFakeBroker())
	_, err = worker.AssignTask(ctx, Task{Title: "x"})
	require.True(t, errors.Is(err, ErrConfig))
	err = worker.OnResult(func(context.Context, Result) {})
	require.True(t, errors.Is(err, ErrConfig))

	leader := newTestEngine(t, RoleLeader, newFakeBroker())
	err = leader.HandleTasks(ctx, func(context.Context, Task) (json.RawMessage, error) { return nil, nil })
	require.True(t, errors.Is(err, ErrConfig))
}

func Test_PublishStatus_And_Subscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeBroker()

	monitor := newTestEngine(t, RoleMonitor, f)
	events := make(chan StatusEvent, 4)
	_, err := monitor.SubscribeStatus(ctx, "agent.status.#", func(_ context.Context, ev StatusEvent) {
		events <- ev
	})
	require.NoError(t, err)

	collab := newTestEngine(t, RoleCollaborator, f)
	require.NoError(t, collab.PublishStatus(ctx, "busy", map[string]string{"reason": "compacting"}))

	select {
	case ev := <-events:
		require.Equal(t, "agent.status.busy", ev.RoutingKey)
		require.Equal(t, collab.Agent().ID, ev.From)
		require.Equal(t, "ready", ev.Payload.State)
		require.Contains(t, string(ev.Payload.Detail), "compacting")
	case <-time.After(time.Second):
		t.Fatal("status event not delivered")
	}
}

func Test_SubscribeStatus_PatternFiltering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeBroker()

	monitor := newTestEngine(t, RoleMonitor, f)
	var got []string
	_, err := monitor.SubscribeStatus(ctx, "agent.status.task.*", func(_ context.Context, ev StatusEvent) {
		got = append(got, ev.RoutingKey)
	})
	require.NoError(t, err)

	worker := newTestEngine(t, RoleWorker, f)
	require.NoError(t, worker.PublishStatus(ctx, "task.completed", nil))
	require.NoError(t, worker.PublishStatus(ctx, "heartbeat.x", nil))

	require.Equal(t, []string{"agent.status.task.completed"}, got)
}

func Test_Shutdown_Idempotent_PublishesFinalStatus(t *testing.T) {
	t.Parallel()
	f := newFakeBroker()
	e := newTestEngine(t, RoleWorker, f)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, e.Shutdown(ctx))

	var shutdownEvents int
	for _, p := range f.publishes() {
		if p.exchange == "agent.status" && p.key == "agent.status.shutdown."+e.Agent().ID {
			shutdownEvents++
		}
	}
	require.Equal(t, 1, shutdownEvents)
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	require.True(t, closed)
}
