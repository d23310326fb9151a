package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/swarmq/pkg/envelope"
	"github.com/fairyhunter13/swarmq/pkg/voting"
)

// BallotRequest is the announcement a participant receives when a vote
// opens.
type BallotRequest struct {
	SessionID string
	Topic     string
	Question  string
	Options   []string
	Algorithm voting.Algorithm
	Deadline  time.Time
	Initiator string
}

// VoteHandler produces a ballot for an announced vote. Returning nil
// abstains.
type VoteHandler func(ctx context.Context, req BallotRequest) (*voting.Ballot, error)

// voteAnnouncement remembers where a remote session's ballots go.
type voteAnnouncement struct {
	initiator string
	deadline  time.Time
}

// OnVote registers the participant callback invoked for every vote
// announcement (worker and collaborator roles).
func (e *Engine) OnVote(fn VoteHandler) error {
	if err := requireCapability(e.agent.Role, capParticipateVote); err != nil {
		return err
	}
	e.mu.Lock()
	e.voteHandler = fn
	e.mu.Unlock()
	return nil
}

// InitiateVote opens a voting session, announces it on the voting fanout
// and arms the closure timer (leader only). Results are announced on the
// fanout after the deadline and available through GetResults.
func (e *Engine) InitiateVote(ctx context.Context, cfg voting.Config) (string, error) {
	if err := requireCapability(e.agent.Role, capInitiateVote); err != nil {
		return "", err
	}
	sessionID, err := e.votes.Open(cfg)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.ownedVotes[sessionID] = nil
	e.mu.Unlock()

	deadline, _ := e.votes.Deadline(sessionID)
	env, err := envelope.New(envelope.TypeVotingStart, e.agent.ID, envelope.VotingStartPayload{
		SessionID:  sessionID,
		Topic:      cfg.Topic,
		Question:   cfg.Question,
		Options:    cfg.Options,
		Algorithm:  string(cfg.Algorithm),
		DeadlineTS: deadline.UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	body, err := env.Encode()
	if err != nil {
		return "", err
	}
	if err := e.broker.PublishToExchange(ctx, e.topo.VotingExchange, "", body, publishDefaults(env)); err != nil {
		return "", err
	}

	// The voting system's own timer closes the session at the deadline;
	// this one announces the outcome shortly after. CloseVote and Shutdown
	// disarm it so a session announces at most once.
	timer := time.AfterFunc(cfg.Duration+100*time.Millisecond, func() { e.announceResults(sessionID) })
	e.mu.Lock()
	e.ownedVotes[sessionID] = timer
	e.mu.Unlock()

	e.log.Info("vote initiated",
		slog.String("session_id", sessionID),
		slog.String("algorithm", string(cfg.Algorithm)))
	return sessionID, nil
}

// CastVote records a ballot. For sessions this agent initiated, the ballot
// is ingested directly; for announced remote sessions it is published to
// the initiator's ballot queue.
func (e *Engine) CastVote(ctx context.Context, sessionID string, b voting.Ballot) error {
	if b.AgentID == "" {
		b.AgentID = e.agent.ID
	}
	if b.AgentLevel == 0 {
		b.AgentLevel = e.agent.Level
	}

	e.mu.Lock()
	_, owned := e.ownedVotes[sessionID]
	ann, announced := e.announcedVotes[sessionID]
	e.mu.Unlock()

	if owned {
		if err := e.votes.CastVote(sessionID, b); err != nil {
			return err
		}
		e.stats.inc(&e.stats.VotesCast, "votes_cast")
		return nil
	}
	if err := requireCapability(e.agent.Role, capParticipateVote); err != nil {
		return err
	}
	if !announced {
		return fmt.Errorf("%w: %s", voting.ErrSessionNotFound, sessionID)
	}
	if time.Now().After(ann.deadline) {
		return fmt.Errorf("%w: session %s", voting.ErrDeadlinePassed, sessionID)
	}
	return e.publishBallot(ctx, sessionID, ann.initiator, b)
}

// GetResults returns the results of a session this agent initiated.
func (e *Engine) GetResults(sessionID string) (voting.Results, error) {
	return e.votes.Results(sessionID)
}

// CloseVote closes a session early (initiator only). Idempotent. The
// deadline announcement timer is disarmed so the outcome is announced once.
func (e *Engine) CloseVote(sessionID string) (voting.Results, error) {
	res, err := e.votes.Close(sessionID)
	if err != nil {
		return voting.Results{}, err
	}
	e.mu.Lock()
	if timer := e.ownedVotes[sessionID]; timer != nil {
		timer.Stop()
		e.ownedVotes[sessionID] = nil
	}
	e.mu.Unlock()
	e.announceResults(sessionID)
	return res, nil
}

func (e *Engine) publishBallot(ctx context.Context, sessionID, initiator string, b voting.Ballot) error {
	env, err := envelope.New(envelope.TypeVotingVote, e.agent.ID, envelope.VotePayload{
		SessionID:  sessionID,
		Choice:     b.Choice,
		Confidence: b.Confidence,
		Allocation: b.Allocation,
		Rankings:   b.Rankings,
		AgentLevel: b.AgentLevel,
	})
	if err != nil {
		return err
	}
	env.To = initiator
	body, err := env.Encode()
	if err != nil {
		return err
	}
	key := e.topo.votingReplyKey(initiator)
	if err := e.broker.PublishToExchange(ctx, e.topo.RepliesExchange, key, body, publishDefaults(env)); err != nil {
		return err
	}
	e.stats.inc(&e.stats.VotesCast, "votes_cast")
	return nil
}

// onVotingAnnounce handles voting_start and voting_result messages on the
// participant's exclusive fanout queue.
func (e *Engine) onVotingAnnounce(ctx context.Context, d Delivery) {
	env, err := envelope.Decode(d.Body)
	if err != nil {
		_ = d.Reject()
		return
	}
	switch env.Type {
	case envelope.TypeVotingStart:
	case envelope.TypeVotingResult:
		// Result announcements are informational for participants.
		_ = d.Ack()
		return
	default:
		_ = d.Ack()
		return
	}

	var payload envelope.VotingStartPayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = d.Reject()
		return
	}
	deadline := time.UnixMilli(payload.DeadlineTS)

	e.mu.Lock()
	e.announcedVotes[payload.SessionID] = voteAnnouncement{initiator: env.From, deadline: deadline}
	handler := e.voteHandler
	e.mu.Unlock()

	if handler == nil || time.Now().After(deadline) {
		_ = d.Ack()
		return
	}

	hctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	ballot, err := handler(hctx, BallotRequest{
		SessionID: payload.SessionID,
		Topic:     payload.Topic,
		Question:  payload.Question,
		Options:   payload.Options,
		Algorithm: voting.Algorithm(payload.Algorithm),
		Deadline:  deadline,
		Initiator: env.From,
	})
	if err != nil {
		e.log.Warn("vote handler failed",
			slog.String("session_id", payload.SessionID),
			slog.Any("error", err))
		_ = d.Ack()
		return
	}
	if ballot != nil {
		b := *ballot
		if b.AgentID == "" {
			b.AgentID = e.agent.ID
		}
		if b.AgentLevel == 0 {
			b.AgentLevel = e.agent.Level
		}
		if err := e.publishBallot(hctx, payload.SessionID, env.From, b); err != nil {
			e.log.Warn("ballot publish failed",
				slog.String("session_id", payload.SessionID),
				slog.Any("error", err))
		}
	}
	_ = d.Ack()
}

// onBallotReply ingests ballots arriving on the initiator's private queue.
func (e *Engine) onBallotReply(ctx context.Context, d Delivery) {
	env, err := envelope.Decode(d.Body)
	if err != nil || env.Type != envelope.TypeVotingVote {
		_ = d.Reject()
		return
	}
	var payload envelope.VotePayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = d.Reject()
		return
	}

	b := voting.Ballot{
		AgentID:    env.From,
		AgentLevel: payload.AgentLevel,
		Choice:     payload.Choice,
		Confidence: payload.Confidence,
		Allocation: payload.Allocation,
		Rankings:   payload.Rankings,
	}
	if err := e.votes.CastVote(payload.SessionID, b); err != nil {
		// Late or invalid ballots are logged and dropped; session state is
		// never corrupted by a bad ballot.
		e.log.Warn("ballot rejected",
			slog.String("session_id", payload.SessionID),
			slog.String("voter", env.From),
			slog.Any("error", err))
	}
	_ = d.Ack()
}

// recordBallot is the voting accept hook feeding the audit log.
func (e *Engine) recordBallot(sessionID, agentID string, v voting.Vote) {
	serialized, err := json.Marshal(envelope.VotePayload{
		SessionID:  sessionID,
		Choice:     v.Choice,
		Confidence: v.Confidence,
		Allocation: v.Allocation,
		Rankings:   v.Rankings,
		AgentLevel: v.AgentLevel,
	})
	if err != nil {
		e.log.Error("ballot serialization for audit failed", slog.Any("error", err))
		return
	}
	if _, err := e.audit.Append(sessionID, agentID, serialized); err != nil {
		e.log.Error("audit append failed", slog.Any("error", err))
	}
}

// announceResults publishes the closed session's results on the voting
// fanout, best effort.
func (e *Engine) announceResults(sessionID string) {
	res, err := e.votes.Close(sessionID)
	if err != nil {
		e.log.Warn("result close failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	env, err := envelope.New(envelope.TypeVotingResult, e.agent.ID, res)
	if err != nil {
		return
	}
	body, err := env.Encode()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.broker.PublishToExchange(ctx, e.topo.VotingExchange, "", body, publishDefaults(env)); err != nil {
		e.log.Warn("result announcement failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err))
	}
}
