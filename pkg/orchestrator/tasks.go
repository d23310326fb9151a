package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/swarmq/pkg/broker"
	"github.com/fairyhunter13/swarmq/pkg/envelope"
)

// retriesHeader carries the remaining retry budget across redeliveries.
const retriesHeader = "x-retries-remaining"

func publishDefaults(env envelope.Envelope) broker.PublishOpts {
	return broker.PublishOpts{
		Persistent: true,
		MessageID:  env.ID,
		Timestamp:  env.Time(),
	}
}

// AssignTask publishes a task to the priority queue matching its priority
// (leader only) and returns the generated task id.
func (e *Engine) AssignTask(ctx context.Context, t Task) (string, error) {
	if err := requireCapability(e.agent.Role, capAssignTask); err != nil {
		return "", err
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	weight, ok := priorityWeight[t.Priority]
	if !ok {
		return "", fmt.Errorf("%w: unknown priority %q", ErrConfig, t.Priority)
	}
	if t.Title == "" {
		return "", fmt.Errorf("%w: task title is required", ErrConfig)
	}

	taskID := uuid.NewString()
	retries := e.opts.MaxRetries
	if t.MaxRetries > 0 {
		retries = t.MaxRetries
	}

	env, err := envelope.New(envelope.TypeTask, e.agent.ID, envelope.TaskPayload{
		TaskID:      taskID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Context:     t.Payload,
		DeadlineMS:  t.Deadline.Milliseconds(),
		AssignedBy:  e.agent.ID,
	})
	if err != nil {
		return "", err
	}
	env.RetriesRemaining = &retries
	body, err := env.Encode()
	if err != nil {
		return "", err
	}

	opts := publishDefaults(env)
	opts.Priority = weight
	opts.Headers = map[string]any{retriesHeader: int64(retries)}
	if err := e.broker.PublishToQueue(ctx, e.topo.taskQueue(t.Priority), body, opts); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.taskTable[taskID] = TaskDispatched
	e.mu.Unlock()
	e.stats.inc(&e.stats.TasksAssigned, "tasks_assigned")
	e.log.Info("task assigned",
		slog.String("task_id", taskID),
		slog.String("priority", string(t.Priority)),
		slog.String("title", t.Title))
	return taskID, nil
}

type taskDelivery struct {
	d        Delivery
	priority Priority
}

// HandleTasks starts task consumption (worker only). One consumer per
// priority queue feeds a dispatcher that drains in descending priority
// order; up to Workers handlers run concurrently.
func (e *Engine) HandleTasks(ctx context.Context, fn TaskHandler) error {
	if err := requireCapability(e.agent.Role, capConsumeTasks); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: nil task handler", ErrConfig)
	}

	e.mu.Lock()
	if e.taskHandler != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: task handler already registered", ErrConfig)
	}
	e.taskHandler = fn
	e.taskCh = make(map[Priority]chan taskDelivery, len(priorityOrder))
	for _, p := range priorityOrder {
		e.taskCh[p] = make(chan taskDelivery)
	}
	e.mu.Unlock()

	for _, p := range priorityOrder {
		p := p
		ch := e.taskCh[p]
		sub, err := e.broker.Consume(ctx, e.topo.taskQueue(p), func(ctx context.Context, d Delivery) {
			select {
			case ch <- taskDelivery{d: d, priority: p}:
			case <-e.ctx.Done():
				_ = d.NackRequeue()
			}
		})
		if err != nil {
			return err
		}
		e.trackSub(sub)
	}

	g := new(errgroup.Group)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			for {
				td, ok := e.nextTask()
				if !ok {
					return nil
				}
				e.processTask(td)
			}
		})
	}
	go func() {
		_ = g.Wait()
	}()
	e.log.Info("task consumption started", slog.Int("workers", e.opts.Workers))
	return nil
}

// nextTask returns the next delivery, preferring higher priorities when
// several queues have messages buffered.
func (e *Engine) nextTask() (taskDelivery, bool) {
	for {
		for _, p := range priorityOrder {
			select {
			case td := <-e.taskCh[p]:
				return td, true
			default:
			}
		}
		select {
		case <-e.ctx.Done():
			return taskDelivery{}, false
		case td := <-e.taskCh[PriorityCritical]:
			return td, true
		case td := <-e.taskCh[PriorityHigh]:
			return td, true
		case td := <-e.taskCh[PriorityNormal]:
			return td, true
		case td := <-e.taskCh[PriorityLow]:
			return td, true
		}
	}
}

func (e *Engine) processTask(td taskDelivery) {
	e.handlers.Add(1)
	defer e.handlers.Done()
	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)

	d := td.d
	env, err := envelope.Decode(d.Body)
	if err != nil || env.Type != envelope.TypeTask {
		e.log.Warn("rejecting invalid task delivery", slog.Any("error", err))
		_ = d.Reject()
		return
	}
	var payload envelope.TaskPayload
	if err := env.DecodePayload(&payload); err != nil {
		e.log.Warn("rejecting undecodable task payload", slog.Any("error", err))
		_ = d.Reject()
		return
	}

	remaining := e.opts.MaxRetries
	if env.RetriesRemaining != nil {
		remaining = *env.RetriesRemaining
	}
	if v, ok := headerInt(d.Headers, retriesHeader); ok {
		remaining = v
	}

	task := Task{
		ID:          payload.TaskID,
		Title:       payload.Title,
		Description: payload.Description,
		Priority:    td.priority,
		Payload:     payload.Context,
		AssignedBy:  payload.AssignedBy,
		CreatedAt:   env.Time(),
	}

	timeout := e.opts.HandlerTimeout
	if payload.DeadlineMS > 0 {
		if d := time.Duration(payload.DeadlineMS) * time.Millisecond; d < timeout {
			timeout = d
		}
	}
	tctx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	e.emitTaskEvent(task.ID, "started", "")
	started := time.Now()
	out, err := e.taskHandler(tctx, task)
	elapsed := time.Since(started)

	if err == nil {
		if perr := e.publishResult(task, ResultCompleted, out, "", elapsed); perr != nil {
			// Without a confirmed result the work is not observable;
			// requeue and redo.
			e.log.Warn("result publish failed, requeueing task",
				slog.String("task_id", task.ID), slog.Any("error", perr))
			_ = d.NackRequeue()
			return
		}
		_ = d.Ack()
		e.stats.inc(&e.stats.TasksCompleted, "tasks_completed")
		e.emitTaskEvent(task.ID, "completed", "")
		return
	}

	kind := "HandlerTransientError"
	if IsPermanent(err) {
		kind = "HandlerPermanentError"
	}
	e.log.Warn("task handler failed",
		slog.String("task_id", task.ID),
		slog.String("kind", kind),
		slog.Int("retries_remaining", remaining),
		slog.Any("error", err))

	if IsPermanent(err) || remaining <= 0 {
		_ = d.Reject()
		e.stats.inc(&e.stats.TasksDead, "tasks_dead")
		e.stats.inc(&e.stats.TasksFailed, "tasks_failed")
		e.emitTaskEvent(task.ID, "failed", kind)
		_ = e.publishResult(task, ResultFailed, nil, err.Error(), elapsed)
		return
	}

	if e.draining.Load() || e.ctx.Err() != nil {
		// Shutting down: hand the delivery back instead of re-publishing.
		_ = d.NackRequeue()
		return
	}
	if rerr := e.scheduleRetry(env, td.priority, remaining); rerr != nil {
		e.log.Warn("retry scheduling failed, requeueing",
			slog.String("task_id", task.ID), slog.Any("error", rerr))
		_ = d.NackRequeue()
		return
	}
	_ = d.Ack()
	e.stats.inc(&e.stats.TasksRetried, "tasks_retried")
}

// scheduleRetry publishes a decremented copy of the task through a
// single-use delay queue whose TTL dead-letters back into the origin
// priority queue, producing exponential backoff without blocking the worker.
func (e *Engine) scheduleRetry(env envelope.Envelope, p Priority, remaining int) error {
	delay := e.retryDelay(remaining)
	origin := e.topo.taskQueue(p)
	next := remaining - 1
	env.RetriesRemaining = &next
	body, err := env.Encode()
	if err != nil {
		return err
	}

	// Declared outside the replay list: the queue expires broker-side and
	// must not be re-declared after reconnects.
	delayQueue := fmt.Sprintf("delay.%d.%s.%s", delay.Milliseconds(), origin, env.ID)
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()
	err = e.broker.DeclareQueue(ctx, delayQueue, broker.QueueOpts{
		Durable:              true,
		MessageTTL:           delay,
		Expires:              2 * delay,
		DeadLetterExchange:   "",
		DeadLetterRoutingKey: origin,
	})
	if err != nil {
		return err
	}

	opts := publishDefaults(env)
	opts.Priority = priorityWeight[p]
	opts.Headers = map[string]any{retriesHeader: int64(next)}
	return e.broker.PublishToQueue(ctx, delayQueue, body, opts)
}

// retryDelay computes base * 2^(max - remaining) capped at the maximum.
func (e *Engine) retryDelay(remaining int) time.Duration {
	exp := e.opts.MaxRetries - remaining
	if exp < 0 {
		exp = 0
	}
	delay := e.opts.RetryBase
	for i := 0; i < exp; i++ {
		delay *= 2
		if delay >= e.opts.RetryMax {
			return e.opts.RetryMax
		}
	}
	if delay > e.opts.RetryMax {
		delay = e.opts.RetryMax
	}
	return delay
}

func (e *Engine) publishResult(t Task, status string, output json.RawMessage, errMsg string, elapsed time.Duration) error {
	env, err := envelope.New(envelope.TypeResult, e.agent.ID, envelope.ResultPayload{
		TaskID:     t.ID,
		Status:     status,
		Output:     output,
		Error:      errMsg,
		DurationMS: elapsed.Milliseconds(),
	})
	if err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.broker.PublishToQueue(ctx, e.topo.ResultsQueue, body, publishDefaults(env))
}

// emitTaskEvent publishes a task lifecycle event on the status topic,
// best effort.
func (e *Engine) emitTaskEvent(taskID, event, kind string) {
	detail, _ := json.Marshal(map[string]string{"task_id": taskID, "kind": kind})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.publishStatus(ctx, "agent.status.task."+event, envelope.StatusPayload{
		State:       e.state(),
		ActiveTasks: int(e.activeTasks.Load()),
		Detail:      detail,
	}); err != nil {
		e.log.Debug("task event publish failed",
			slog.String("task_id", taskID),
			slog.String("event", event),
			slog.Any("error", err))
	}
}

// consumeResults attaches the leader's results consumer.
func (e *Engine) consumeResults(ctx context.Context) error {
	sub, err := e.broker.Consume(ctx, e.topo.ResultsQueue, func(ctx context.Context, d Delivery) {
		env, err := envelope.Decode(d.Body)
		if err != nil || env.Type != envelope.TypeResult {
			_ = d.Reject()
			return
		}
		var payload envelope.ResultPayload
		if err := env.DecodePayload(&payload); err != nil {
			_ = d.Reject()
			return
		}

		res := Result{
			TaskID:     payload.TaskID,
			ProducerID: env.From,
			Status:     payload.Status,
			Output:     payload.Output,
			Error:      payload.Error,
			Duration:   time.Duration(payload.DurationMS) * time.Millisecond,
			ProducedAt: env.Time(),
		}
		st := TaskCompleted
		if res.Status == ResultFailed {
			st = TaskFailed
		}
		e.mu.Lock()
		if _, known := e.taskTable[res.TaskID]; known {
			e.taskTable[res.TaskID] = st
		}
		handler := e.resultHandler
		e.mu.Unlock()

		e.stats.inc(&e.stats.ResultsReceived, "results_received")
		if handler != nil {
			handler(ctx, res)
		}
		_ = d.Ack()
	})
	if err != nil {
		return err
	}
	e.trackSub(sub)
	return nil
}

func headerInt(headers map[string]any, key string) (int, bool) {
	v, ok := headers[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
