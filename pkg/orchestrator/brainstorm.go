package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/swarmq/pkg/envelope"
)

// BrainstormPrompt is the announcement a participant receives.
type BrainstormPrompt struct {
	SessionID string
	Topic     string
	Question  string
	Deadline  time.Time
	Initiator string
}

// BrainstormHandler produces zero or more suggestions for a prompt.
type BrainstormHandler func(ctx context.Context, p BrainstormPrompt) ([]string, error)

// BrainstormResponse is one collected suggestion.
type BrainstormResponse struct {
	AgentID    string
	Suggestion string
	TS         time.Time
}

type brainstormSession struct {
	id       string
	topic    string
	deadline time.Time

	mu        sync.Mutex
	responses []BrainstormResponse
	done      chan struct{}
	timer     *time.Timer
}

// OnBrainstorm registers the participant callback invoked for every
// brainstorm announcement (worker and collaborator roles).
func (e *Engine) OnBrainstorm(fn BrainstormHandler) error {
	if err := requireCapability(e.agent.Role, capParticipateBrainstorm); err != nil {
		return err
	}
	e.mu.Lock()
	e.brainstormHandler = fn
	e.mu.Unlock()
	return nil
}

// StartBrainstorm opens a session and announces it on the brainstorm fanout
// (leader only). Responses are collected until the deadline.
func (e *Engine) StartBrainstorm(ctx context.Context, topic, question string, duration time.Duration) (string, error) {
	if err := requireCapability(e.agent.Role, capInitiateBrainstorm); err != nil {
		return "", err
	}
	if duration <= 0 {
		return "", fmt.Errorf("%w: brainstorm duration must be positive", ErrConfig)
	}

	deadline := time.Now().Add(duration)
	sess := &brainstormSession{
		id:       uuid.NewString(),
		topic:    topic,
		deadline: deadline,
		done:     make(chan struct{}),
	}
	sess.timer = time.AfterFunc(duration, func() { close(sess.done) })

	env, err := envelope.New(envelope.TypeBrainstormStart, e.agent.ID, envelope.BrainstormStartPayload{
		SessionID:  sess.id,
		Topic:      topic,
		Question:   question,
		DeadlineTS: deadline.UnixMilli(),
	})
	if err != nil {
		sess.timer.Stop()
		return "", err
	}
	body, err := env.Encode()
	if err != nil {
		sess.timer.Stop()
		return "", err
	}

	e.mu.Lock()
	e.brainstorms[sess.id] = sess
	e.mu.Unlock()

	if err := e.broker.PublishToExchange(ctx, e.topo.BrainstormExchange, "", body, publishDefaults(env)); err != nil {
		sess.timer.Stop()
		e.mu.Lock()
		delete(e.brainstorms, sess.id)
		e.mu.Unlock()
		return "", err
	}

	e.stats.inc(&e.stats.Brainstorms, "brainstorms")
	e.log.Info("brainstorm started",
		slog.String("session_id", sess.id),
		slog.String("topic", topic),
		slog.Duration("duration", duration))
	return sess.id, nil
}

// CollectBrainstorm blocks until the session deadline (or ctx cancellation)
// and returns the responses in arrival order. The session is closed and
// removed; late responses are discarded.
func (e *Engine) CollectBrainstorm(ctx context.Context, sessionID string) ([]BrainstormResponse, error) {
	e.mu.Lock()
	sess, ok := e.brainstorms[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown brainstorm session %s", ErrConfig, sessionID)
	}

	select {
	case <-sess.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	delete(e.brainstorms, sessionID)
	e.mu.Unlock()

	sess.mu.Lock()
	out := make([]BrainstormResponse, len(sess.responses))
	copy(out, sess.responses)
	sess.mu.Unlock()
	return out, nil
}

// onBrainstormAnnounce handles a brainstorm_start on the participant's
// exclusive fanout queue.
func (e *Engine) onBrainstormAnnounce(ctx context.Context, d Delivery) {
	env, err := envelope.Decode(d.Body)
	if err != nil {
		_ = d.Reject()
		return
	}
	if env.Type != envelope.TypeBrainstormStart {
		_ = d.Ack()
		return
	}
	var payload envelope.BrainstormStartPayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = d.Reject()
		return
	}
	deadline := time.UnixMilli(payload.DeadlineTS)
	if time.Now().After(deadline) {
		_ = d.Ack()
		return
	}

	e.mu.Lock()
	handler := e.brainstormHandler
	e.mu.Unlock()
	if handler == nil {
		_ = d.Ack()
		return
	}

	hctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	suggestions, err := handler(hctx, BrainstormPrompt{
		SessionID: payload.SessionID,
		Topic:     payload.Topic,
		Question:  payload.Question,
		Deadline:  deadline,
		Initiator: env.From,
	})
	if err != nil {
		e.log.Warn("brainstorm handler failed",
			slog.String("session_id", payload.SessionID),
			slog.Any("error", err))
		_ = d.Ack()
		return
	}

	for _, s := range suggestions {
		reply, err := envelope.New(envelope.TypeBrainstormResponse, e.agent.ID, envelope.BrainstormResponsePayload{
			SessionID:  payload.SessionID,
			Suggestion: s,
		})
		if err != nil {
			continue
		}
		reply.To = env.From
		body, err := reply.Encode()
		if err != nil {
			continue
		}
		key := e.topo.brainstormReplyKey(env.From)
		if err := e.broker.PublishToExchange(hctx, e.topo.RepliesExchange, key, body, publishDefaults(reply)); err != nil {
			e.log.Warn("brainstorm reply publish failed",
				slog.String("session_id", payload.SessionID),
				slog.Any("error", err))
		}
	}
	_ = d.Ack()
}

// consumeReplies attaches the initiator's brainstorm and ballot consumers.
func (e *Engine) consumeReplies(ctx context.Context) error {
	sub, err := e.broker.Consume(ctx, e.topo.brainstormReplyQueue(e.agent.ID), e.onBrainstormReply)
	if err != nil {
		return err
	}
	e.trackSub(sub)

	sub, err = e.broker.Consume(ctx, e.topo.votingReplyQueue(e.agent.ID), e.onBallotReply)
	if err != nil {
		return err
	}
	e.trackSub(sub)
	return nil
}

func (e *Engine) onBrainstormReply(ctx context.Context, d Delivery) {
	env, err := envelope.Decode(d.Body)
	if err != nil || env.Type != envelope.TypeBrainstormResponse {
		_ = d.Reject()
		return
	}
	var payload envelope.BrainstormResponsePayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = d.Reject()
		return
	}

	e.mu.Lock()
	sess := e.brainstorms[payload.SessionID]
	e.mu.Unlock()
	if sess == nil || time.Now().After(sess.deadline) {
		// Unknown session or past deadline: discard.
		_ = d.Ack()
		return
	}

	sess.mu.Lock()
	sess.responses = append(sess.responses, BrainstormResponse{
		AgentID:    env.From,
		Suggestion: payload.Suggestion,
		TS:         env.Time(),
	})
	sess.mu.Unlock()
	_ = d.Ack()
}
