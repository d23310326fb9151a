// Package voting manages consensus sessions for the agent fleet.
//
// A session is opened with a fixed option list and one of five tally
// algorithms, collects at most one ballot per agent until its deadline, and
// closes into an immutable result. Tallies are pure functions over the final
// ballot set: recomputing them over the same ballots yields bit-identical
// results regardless of arrival order.
package voting

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Algorithm selects the tally function for a session.
type Algorithm string

// Supported tally algorithms.
const (
	SimpleMajority     Algorithm = "simple_majority"
	ConfidenceWeighted Algorithm = "confidence_weighted"
	Quadratic          Algorithm = "quadratic"
	Consensus          Algorithm = "consensus"
	RankedChoice       Algorithm = "ranked_choice"
)

// Status is the lifecycle state of a session.
type Status string

// Session states.
const (
	StatusOpen               Status = "open"
	StatusClosedSuccess      Status = "closed_success"
	StatusClosedQuorumFailed Status = "closed_quorum_failed"
)

// Consensus outcomes reported by the consensus algorithm.
const (
	ConsensusAchieved = "CONSENSUS_ACHIEVED"
	NoConsensus       = "NO_CONSENSUS"
)

// Error taxonomy (sentinels).
var (
	ErrInvalidConfig   = errors.New("invalid voting config")
	ErrSessionNotFound = errors.New("voting session not found")
	ErrSessionClosed   = errors.New("voting session closed")
	ErrDeadlinePassed  = errors.New("voting deadline passed")
	ErrInvalidBallot   = errors.New("invalid ballot")
)

// Quorum is the conjunction of predicates a session must satisfy at close
// for a winner to be declared.
type Quorum struct {
	MinParticipation float64 `validate:"gte=0,lte=1"`
	MinConfidence    float64 `validate:"gte=0"`
	MinExperts       int     `validate:"gte=0"`
	TotalAgents      int     `validate:"gte=1"`
}

// Config describes a session to open.
type Config struct {
	Topic    string
	Question string
	// Options is the ordered, duplicate-free candidate list.
	Options   []string  `validate:"required,min=1,unique,dive,required"`
	Algorithm Algorithm `validate:"required,oneof=simple_majority confidence_weighted quadratic consensus ranked_choice"`
	Quorum    Quorum
	// ConsensusThreshold applies to the consensus algorithm only; (0.5, 1].
	ConsensusThreshold float64
	// TokensPerAgent applies to the quadratic algorithm only; >= 1.
	TokensPerAgent int
	// Duration until the deadline timer fires.
	Duration time.Duration `validate:"gt=0"`
}

// Ballot is one agent's vote. Exactly one of Choice, Allocation or Rankings
// must be populated, matching the session algorithm.
type Ballot struct {
	AgentID    string
	AgentLevel int
	Choice     string
	// Confidence defaults to 1.0 when nil.
	Confidence *float64
	Allocation map[string]int
	Rankings   []string
}

// Vote is an accepted ballot plus its acceptance timestamp. A replacement
// ballot from the same agent replaces the whole Vote, timestamp included.
type Vote struct {
	Ballot
	Timestamp time.Time
}

func (v Vote) confidence() float64 {
	if v.Confidence == nil {
		return 1.0
	}
	return *v.Confidence
}

// Round is one counting round of an instant-runoff tally.
type Round struct {
	Counts     map[string]int
	Eliminated string
}

// QuorumDetail reports the measured quorum inputs at close.
type QuorumDetail struct {
	Participation   float64
	TotalConfidence float64
	Experts         int
	Met             bool
	// Failed names the predicates that did not hold.
	Failed []string
}

// Results is the immutable outcome of a closed session.
type Results struct {
	SessionID         string
	Status            Status
	Algorithm         Algorithm
	Winner            string
	WinnerPercentage  float64
	Scores            map[string]float64
	TotalBallots      int
	AverageConfidence float64
	// ConsensusReached and ConsensusOutcome are set by the consensus
	// algorithm only.
	ConsensusReached bool
	ConsensusOutcome string
	// Rounds and EliminationRounds are set by ranked_choice only.
	Rounds            []Round
	EliminationRounds int
	// TieBreak names the rule that settled the winner: "confidence",
	// "expertise", "timestamp", "random", or "" when no tie occurred.
	TieBreak string
	Quorum   QuorumDetail
}

type session struct {
	id       string
	cfg      Config
	deadline time.Time
	votes    map[string]Vote
	status   Status
	results  Results
	timer    *time.Timer
}

// System owns all voting sessions for the process lifetime.
type System struct {
	mu       sync.Mutex
	sessions map[string]*session
	log      *slog.Logger
	now      func() time.Time
	// onAccept observes accepted ballots, serialized in acceptance order.
	// The orchestration engine hooks the audit log here.
	onAccept func(sessionID, agentID string, v Vote)
}

// Option configures a System.
type Option func(*System)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *System) { s.log = l } }

// WithAcceptHook registers an observer invoked for every accepted ballot,
// in acceptance order.
func WithAcceptHook(fn func(sessionID, agentID string, v Vote)) Option {
	return func(s *System) { s.onAccept = fn }
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewSystem returns an empty voting system.
func NewSystem(opts ...Option) *System {
	s := &System{
		sessions: make(map[string]*session),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateConfig(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch cfg.Algorithm {
	case Consensus:
		if cfg.ConsensusThreshold <= 0.5 || cfg.ConsensusThreshold > 1 {
			return fmt.Errorf("%w: consensus threshold %.2f outside (0.5, 1]", ErrInvalidConfig, cfg.ConsensusThreshold)
		}
	case Quadratic:
		if cfg.TokensPerAgent < 1 {
			return fmt.Errorf("%w: tokens per agent must be >= 1", ErrInvalidConfig)
		}
	}
	return nil
}

// Open creates a session and arms its deadline timer. The returned id is
// globally unique.
func (s *System) Open(cfg Config) (string, error) {
	if err := validateConfig(cfg); err != nil {
		return "", err
	}

	id := uuid.NewString()
	sess := &session{
		id:       id,
		cfg:      cfg,
		deadline: s.now().Add(cfg.Duration),
		votes:    make(map[string]Vote),
		status:   StatusOpen,
	}
	sess.timer = time.AfterFunc(cfg.Duration, func() {
		if _, err := s.Close(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.log.Error("deadline close failed", slog.String("session_id", id), slog.Any("error", err))
		}
	})

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.log.Info("voting session opened",
		slog.String("session_id", id),
		slog.String("algorithm", string(cfg.Algorithm)),
		slog.String("topic", cfg.Topic))
	return id, nil
}

// Deadline returns the session deadline.
func (s *System) Deadline(sessionID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.deadline, nil
}

// CastVote validates and records a ballot. A later ballot from the same
// agent replaces the earlier one, timestamp included (last write wins).
func (s *System) CastVote(sessionID string, b Ballot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.status != StatusOpen {
		return fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	now := s.now()
	if now.After(sess.deadline) {
		return fmt.Errorf("%w: session %s", ErrDeadlinePassed, sessionID)
	}
	if err := validateBallot(sess.cfg, b); err != nil {
		return err
	}

	v := Vote{Ballot: b, Timestamp: now}
	sess.votes[b.AgentID] = v
	if s.onAccept != nil {
		s.onAccept(sessionID, b.AgentID, v)
	}
	return nil
}

func validateBallot(cfg Config, b Ballot) error {
	if b.AgentID == "" {
		return fmt.Errorf("%w: missing agent id", ErrInvalidBallot)
	}
	inOptions := func(opt string) bool {
		for _, o := range cfg.Options {
			if o == opt {
				return true
			}
		}
		return false
	}

	switch cfg.Algorithm {
	case SimpleMajority, ConfidenceWeighted, Consensus:
		if !inOptions(b.Choice) {
			return fmt.Errorf("%w: choice %q not in options", ErrInvalidBallot, b.Choice)
		}
		if b.Confidence != nil && (*b.Confidence < 0 || *b.Confidence > 1) {
			return fmt.Errorf("%w: confidence %.2f outside [0, 1]", ErrInvalidBallot, *b.Confidence)
		}
	case Quadratic:
		total := 0
		for opt, tokens := range b.Allocation {
			if !inOptions(opt) {
				return fmt.Errorf("%w: allocation option %q not in options", ErrInvalidBallot, opt)
			}
			if tokens < 0 {
				return fmt.Errorf("%w: negative allocation for %q", ErrInvalidBallot, opt)
			}
			total += tokens
		}
		if total > cfg.TokensPerAgent {
			return fmt.Errorf("%w: allocation %d exceeds %d tokens", ErrInvalidBallot, total, cfg.TokensPerAgent)
		}
	case RankedChoice:
		if len(b.Rankings) != len(cfg.Options) {
			return fmt.Errorf("%w: rankings must cover all %d options", ErrInvalidBallot, len(cfg.Options))
		}
		seen := make(map[string]bool, len(b.Rankings))
		for _, opt := range b.Rankings {
			if !inOptions(opt) {
				return fmt.Errorf("%w: ranking option %q not in options", ErrInvalidBallot, opt)
			}
			if seen[opt] {
				return fmt.Errorf("%w: duplicate ranking %q", ErrInvalidBallot, opt)
			}
			seen[opt] = true
		}
	}
	return nil
}

// Close transitions the session to a terminal state, computing quorum and
// tally. Closing an already-closed session is a no-op returning the stored
// results.
func (s *System) Close(sessionID string) (Results, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Results{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.status != StatusOpen {
		return sess.results, nil
	}
	sess.timer.Stop()

	detail := evaluateQuorum(sess.cfg.Quorum, sess.votes)
	if !detail.Met {
		sess.status = StatusClosedQuorumFailed
		sess.results = Results{
			SessionID:    sessionID,
			Status:       StatusClosedQuorumFailed,
			Algorithm:    sess.cfg.Algorithm,
			TotalBallots: len(sess.votes),
			Quorum:       detail,
		}
		s.log.Warn("voting session closed without quorum",
			slog.String("session_id", sessionID),
			slog.Any("failed_predicates", detail.Failed))
		return sess.results, nil
	}

	res := tally(sess.id, sess.cfg, sess.votes)
	res.SessionID = sessionID
	res.Status = StatusClosedSuccess
	res.Quorum = detail
	sess.status = StatusClosedSuccess
	sess.results = res

	s.log.Info("voting session closed",
		slog.String("session_id", sessionID),
		slog.String("winner", res.Winner),
		slog.String("tie_break", res.TieBreak))
	return res, nil
}

// Results returns the stored results for a session. An open session reports
// StatusOpen with no winner.
func (s *System) Results(sessionID string) (Results, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Results{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.status == StatusOpen {
		return Results{
			SessionID:    sessionID,
			Status:       StatusOpen,
			Algorithm:    sess.cfg.Algorithm,
			TotalBallots: len(sess.votes),
		}, nil
	}
	return sess.results, nil
}

func evaluateQuorum(q Quorum, votes map[string]Vote) QuorumDetail {
	detail := QuorumDetail{}
	for _, v := range votes {
		detail.TotalConfidence += v.confidence()
		if v.AgentLevel >= expertLevel {
			detail.Experts++
		}
	}
	if q.TotalAgents > 0 {
		detail.Participation = float64(len(votes)) / float64(q.TotalAgents)
	}
	if detail.Participation < q.MinParticipation {
		detail.Failed = append(detail.Failed, "min_participation")
	}
	if detail.TotalConfidence < q.MinConfidence {
		detail.Failed = append(detail.Failed, "min_confidence")
	}
	if detail.Experts < q.MinExperts {
		detail.Failed = append(detail.Failed, "min_experts")
	}
	detail.Met = len(detail.Failed) == 0
	return detail
}
