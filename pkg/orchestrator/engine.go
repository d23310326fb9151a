// Package orchestrator implements the role-based orchestration engine.
//
// An Engine is the control plane for exactly one agent: it asserts the
// broker topology the agent's role requires, runs its consumers, and exposes
// the task, brainstorm, voting and status operations the role permits.
// Operations outside the role's capability set fail fast with ErrConfig
// before any broker traffic is produced.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/swarmq/pkg/audit"
	"github.com/fairyhunter13/swarmq/pkg/envelope"
	"github.com/fairyhunter13/swarmq/pkg/voting"
)

// AgentOptions configures an agent registration.
type AgentOptions struct {
	Role   Role
	Name   string
	Level  int // 0..5
	Skills []string
	// MaxRetries is the default task retry budget.
	MaxRetries int
	// RetryBase and RetryMax bound the exponential retry delay.
	RetryBase time.Duration
	RetryMax  time.Duration
	// HandlerTimeout is the ceiling on task handler execution; the
	// effective deadline is the smaller of this and the task's own.
	HandlerTimeout time.Duration
	// HeartbeatInterval is the status heartbeat cadence.
	HeartbeatInterval time.Duration
	// Workers bounds concurrently running task handlers. Defaults to 1,
	// matching the broker prefetch default.
	Workers int
	// Topology overrides the canonical queue and exchange names.
	Topology *Topology
	Logger   *slog.Logger
}

func (o *AgentOptions) setDefaults() error {
	if !ValidRole(o.Role) {
		return fmt.Errorf("%w: unknown role %q", ErrConfig, o.Role)
	}
	if o.Level < 0 || o.Level > 5 {
		return fmt.Errorf("%w: level %d outside [0, 5]", ErrConfig, o.Level)
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Minute
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 5 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// ResultHandler observes results arriving on the leader's results queue.
type ResultHandler func(ctx context.Context, r Result)

// Engine drives one agent's participation in the orchestration.
type Engine struct {
	agent  Agent
	opts   AgentOptions
	topo   Topology
	broker Broker
	log    *slog.Logger
	stats  *Stats
	votes  *voting.System
	audit  *audit.Log

	ctx      context.Context
	cancel   context.CancelFunc
	draining atomic.Bool
	closed   atomic.Bool

	mu             sync.Mutex
	subs           []Subscription
	taskTable      map[string]TaskStatus
	brainstorms    map[string]*brainstormSession
	announcedVotes map[string]voteAnnouncement
	// ownedVotes maps initiated sessions to their result-announcement
	// timers; a nil timer means the announcement already ran or was armed
	// moments ago.
	ownedVotes map[string]*time.Timer

	taskHandler       TaskHandler
	brainstormHandler BrainstormHandler
	voteHandler       VoteHandler
	resultHandler     ResultHandler

	taskCh      map[Priority]chan taskDelivery
	handlers    sync.WaitGroup
	activeTasks atomic.Int64
	hbDone      chan struct{}
}

// RegisterAgent creates an agent of the given role, asserts the topology the
// role requires and starts its background consumers. The returned engine is
// the agent's control-plane handle.
func RegisterAgent(ctx context.Context, b Broker, opts AgentOptions) (*Engine, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("%s-%s", opts.Role, id[:8])
	}
	topo := DefaultTopology()
	if opts.Topology != nil {
		topo = *opts.Topology
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		agent: Agent{
			ID:     id,
			Name:   opts.Name,
			Role:   opts.Role,
			Level:  opts.Level,
			Skills: opts.Skills,
		},
		opts:   opts,
		topo:   topo,
		broker: b,
		log: opts.Logger.With(
			slog.String("agent_id", id),
			slog.String("role", string(opts.Role)),
		),
		stats:          newStats(id, opts.Role),
		audit:          audit.NewLog(),
		ctx:            runCtx,
		cancel:         cancel,
		taskTable:      make(map[string]TaskStatus),
		brainstorms:    make(map[string]*brainstormSession),
		announcedVotes: make(map[string]voteAnnouncement),
		ownedVotes:     make(map[string]*time.Timer),
		hbDone:         make(chan struct{}),
	}
	e.votes = voting.NewSystem(
		voting.WithLogger(e.log),
		voting.WithAcceptHook(e.recordBallot),
	)

	if err := e.start(ctx); err != nil {
		cancel()
		return nil, err
	}
	e.log.Info("agent registered", slog.String("name", opts.Name))
	return e, nil
}

func (e *Engine) start(ctx context.Context) error {
	if err := e.broker.AssertTopic(ctx, e.topo.StatusExchange); err != nil {
		return err
	}

	switch e.agent.Role {
	case RoleLeader:
		if err := e.assertTaskTopology(ctx); err != nil {
			return err
		}
		if err := e.assertReplyTopology(ctx); err != nil {
			return err
		}
		if err := e.broker.AssertFanout(ctx, e.topo.BrainstormExchange); err != nil {
			return err
		}
		if err := e.broker.AssertFanout(ctx, e.topo.VotingExchange); err != nil {
			return err
		}
		if err := e.consumeResults(ctx); err != nil {
			return err
		}
		if err := e.consumeReplies(ctx); err != nil {
			return err
		}
	case RoleWorker:
		if err := e.assertTaskTopology(ctx); err != nil {
			return err
		}
		if err := e.joinFanouts(ctx); err != nil {
			return err
		}
		go e.heartbeatLoop()
	case RoleCollaborator:
		if err := e.joinFanouts(ctx); err != nil {
			return err
		}
		go e.heartbeatLoop()
	case RoleMonitor:
		// Monitors attach via SubscribeStatus on demand.
	}
	if e.agent.Role == RoleLeader || e.agent.Role == RoleMonitor {
		// No heartbeat loop for these roles.
		close(e.hbDone)
	}
	return nil
}

// joinFanouts binds an exclusive queue to the brainstorm and voting fanouts
// and starts the participant consumer on each.
func (e *Engine) joinFanouts(ctx context.Context) error {
	for exchange, handler := range map[string]DeliveryHandler{
		e.topo.BrainstormExchange: e.onBrainstormAnnounce,
		e.topo.VotingExchange:     e.onVotingAnnounce,
	} {
		if err := e.broker.AssertFanout(ctx, exchange); err != nil {
			return err
		}
		queue, err := e.broker.AssertExclusiveQueue(ctx)
		if err != nil {
			return err
		}
		if err := e.broker.Bind(ctx, queue, exchange, ""); err != nil {
			return err
		}
		sub, err := e.broker.Consume(ctx, queue, handler)
		if err != nil {
			return err
		}
		e.trackSub(sub)
	}
	return e.broker.AssertDirect(ctx, e.topo.RepliesExchange)
}

func (e *Engine) trackSub(sub Subscription) {
	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
}

// Agent returns the agent identity this engine drives.
func (e *Engine) Agent() Agent { return e.agent }

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() map[string]int64 { return e.stats.Snapshot() }

// TaskStatus reports the engine-observed state of an assigned task.
func (e *Engine) TaskStatus(taskID string) (TaskStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.taskTable[taskID]
	return st, ok
}

// OnResult registers the callback invoked for every result consumed from
// the results queue (leader only).
func (e *Engine) OnResult(fn ResultHandler) error {
	if err := requireCapability(e.agent.Role, capConsumeResults); err != nil {
		return err
	}
	e.mu.Lock()
	e.resultHandler = fn
	e.mu.Unlock()
	return nil
}

// PublishStatus emits a status event with routing key agent.status.<event>.
func (e *Engine) PublishStatus(ctx context.Context, event string, detail any) error {
	if err := requireCapability(e.agent.Role, capPublishStatus); err != nil {
		return err
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal status detail: %w", err)
	}
	return e.publishStatus(ctx, "agent.status."+event, envelope.StatusPayload{
		State:       e.state(),
		ActiveTasks: int(e.activeTasks.Load()),
		Detail:      raw,
	})
}

// StatusEvent is one message consumed from the status topic.
type StatusEvent struct {
	RoutingKey string
	From       string
	TS         time.Time
	Payload    envelope.StatusPayload
}

// StatusHandler observes status events.
type StatusHandler func(ctx context.Context, ev StatusEvent)

// SubscribeStatus binds an exclusive queue to the status topic with the
// given pattern (e.g. "agent.status.#" or "agent.status.task.*") and
// invokes fn per event. The returned subscription cancels the binding.
func (e *Engine) SubscribeStatus(ctx context.Context, pattern string, fn StatusHandler) (Subscription, error) {
	if err := requireCapability(e.agent.Role, capConsumeStatus); err != nil {
		return nil, err
	}
	queue, err := e.broker.AssertExclusiveQueue(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.broker.Bind(ctx, queue, e.topo.StatusExchange, pattern); err != nil {
		return nil, err
	}
	sub, err := e.broker.Consume(ctx, queue, func(ctx context.Context, d Delivery) {
		env, err := envelope.Decode(d.Body)
		if err != nil || env.Type != envelope.TypeStatus {
			_ = d.Reject()
			return
		}
		var payload envelope.StatusPayload
		if err := env.DecodePayload(&payload); err != nil {
			_ = d.Reject()
			return
		}
		fn(ctx, StatusEvent{
			RoutingKey: d.RoutingKey,
			From:       env.From,
			TS:         env.Time(),
			Payload:    payload,
		})
		_ = d.Ack()
	})
	if err != nil {
		return nil, err
	}
	e.trackSub(sub)
	return sub, nil
}

// publishStatus is the internal, role-agnostic status emitter used for
// heartbeats and task lifecycle events.
func (e *Engine) publishStatus(ctx context.Context, key string, payload envelope.StatusPayload) error {
	env, err := envelope.New(envelope.TypeStatus, e.agent.ID, payload)
	if err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	if err := e.broker.PublishToExchange(ctx, e.topo.StatusExchange, key, body, publishDefaults(env)); err != nil {
		return err
	}
	e.stats.inc(&e.stats.StatusPublished, "status_published")
	return nil
}

func (e *Engine) state() string {
	if e.draining.Load() {
		return "draining"
	}
	return "ready"
}

func (e *Engine) heartbeatLoop() {
	defer close(e.hbDone)
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	key := "agent.status.heartbeat." + e.agent.ID
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
			err := e.publishStatus(ctx, key, envelope.StatusPayload{
				State:       e.state(),
				ActiveTasks: int(e.activeTasks.Load()),
				Stats:       e.stats.Snapshot(),
			})
			cancel()
			if err != nil {
				e.log.Warn("heartbeat publish failed", slog.Any("error", err))
			}
		}
	}
}

// VerifyIntegrity re-derives the audit chain for a voting session.
func (e *Engine) VerifyIntegrity(sessionID string) error {
	return e.audit.VerifySession(sessionID)
}

// AuditRecords returns the audit trail for a voting session.
func (e *Engine) AuditRecords(sessionID string) []audit.Record {
	return e.audit.Records(sessionID)
}

// Shutdown drains the agent: consumers are cancelled, in-flight handlers
// get until the context deadline to finish (stragglers are requeued via the
// engine context), a final shutdown status event is published, and the
// broker session is closed. Idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.draining.Store(true)
	e.log.Info("shutting down")

	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	for _, timer := range e.ownedVotes {
		if timer != nil {
			timer.Stop()
		}
	}
	e.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Cancel(); err != nil {
			e.log.Warn("consumer cancel failed", slog.Any("error", err))
		}
	}

	done := make(chan struct{})
	go func() {
		e.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Cancel handler contexts; their deliveries are requeued by the
		// failure path.
		e.log.Warn("drain deadline reached with handlers in flight",
			slog.Int64("active_tasks", e.activeTasks.Load()))
	}
	e.cancel()
	<-e.hbDone

	statusCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := e.publishStatus(statusCtx, "agent.status.shutdown."+e.agent.ID, envelope.StatusPayload{
		State: "shutdown",
		Stats: e.stats.Snapshot(),
	}); err != nil {
		e.log.Warn("shutdown status publish failed", slog.Any("error", err))
	}
	cancel()

	return e.broker.Close(ctx)
}
