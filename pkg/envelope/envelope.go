// Package envelope defines the canonical JSON wire format exchanged by
// agents over the broker.
//
// Every message, regardless of queue or exchange, is a single top-level
// object carrying a type tag and an opaque payload. Consumers ignore unknown
// fields; unknown type tags are a validation error and the message is
// rejected without requeue.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types recognized on the wire.
const (
	TypeTask               = "task"
	TypeResult             = "result"
	TypeBrainstormStart    = "brainstorm_start"
	TypeBrainstormResponse = "brainstorm_response"
	TypeVotingStart        = "voting_start"
	TypeVotingVote         = "voting_vote"
	TypeVotingResult       = "voting_result"
	TypeStatus             = "status"
)

// Validation sentinels.
var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed envelope")
)

var knownTypes = map[string]struct{}{
	TypeTask:               {},
	TypeResult:             {},
	TypeBrainstormStart:    {},
	TypeBrainstormResponse: {},
	TypeVotingStart:        {},
	TypeVotingVote:         {},
	TypeVotingResult:       {},
	TypeStatus:             {},
}

// Envelope is the top-level wire object.
type Envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to,omitempty"`
	// TS is unix milliseconds.
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
	// RetriesRemaining is present on task messages only and is decremented
	// on each transient failure.
	RetriesRemaining *int `json:"retries_remaining,omitempty"`
}

// New returns an envelope of the given type with a fresh id and the current
// timestamp. The payload is marshaled immediately so that encoding failures
// surface at the call site rather than at publish time.
func New(msgType, from string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		ID:      uuid.NewString(),
		Type:    msgType,
		From:    from,
		TS:      time.Now().UnixMilli(),
		Payload: body,
	}, nil
}

// Encode serializes the envelope to JSON.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Time returns the envelope timestamp as a time.Time.
func (e Envelope) Time() time.Time { return time.UnixMilli(e.TS) }

// DecodePayload unmarshals the payload into out.
func (e Envelope) DecodePayload(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("%w: payload of %s: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// Decode parses and validates a wire message. Unknown top-level fields are
// ignored; a missing id/type or an unrecognized type tag fails validation.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.ID == "" || e.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing id or type", ErrMalformed)
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return e, nil
}

// TaskPayload is the body of a "task" message.
type TaskPayload struct {
	TaskID        string          `json:"task_id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Priority      string          `json:"priority"`
	Context       json.RawMessage `json:"context,omitempty"`
	DeadlineMS    int64           `json:"deadline_ms,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AssignedBy    string          `json:"assigned_by,omitempty"`
}

// ResultPayload is the body of a "result" message.
type ResultPayload struct {
	TaskID     string          `json:"task_id"`
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// BrainstormStartPayload announces a brainstorm session on the fanout.
type BrainstormStartPayload struct {
	SessionID string `json:"session_id"`
	Topic     string `json:"topic"`
	Question  string `json:"question"`
	// DeadlineTS is unix milliseconds.
	DeadlineTS int64 `json:"deadline_ts"`
}

// BrainstormResponsePayload carries one suggestion back to the initiator.
type BrainstormResponsePayload struct {
	SessionID  string `json:"session_id"`
	Suggestion string `json:"suggestion"`
}

// VotingStartPayload announces a ballot on the voting fanout.
type VotingStartPayload struct {
	SessionID  string   `json:"session_id"`
	Topic      string   `json:"topic"`
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	Algorithm  string   `json:"algorithm"`
	DeadlineTS int64    `json:"deadline_ts"`
}

// VotePayload is one agent's ballot. Exactly one of Choice, Allocation or
// Rankings is set depending on the session algorithm.
type VotePayload struct {
	SessionID  string         `json:"session_id"`
	Choice     string         `json:"choice,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Allocation map[string]int `json:"allocation,omitempty"`
	Rankings   []string       `json:"rankings,omitempty"`
	AgentLevel int            `json:"agent_level"`
}

// StatusPayload is the body of a "status" message.
type StatusPayload struct {
	State       string           `json:"state"`
	ActiveTasks int              `json:"active_tasks"`
	Stats       map[string]int64 `json:"stats,omitempty"`
	Detail      json.RawMessage  `json:"detail,omitempty"`
}
