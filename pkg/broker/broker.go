// Package broker maintains a single resilient AMQP 0-9-1 session and exposes
// publish/consume primitives with explicit acknowledgment.
//
// A client owns exactly one connection and one channel. Topology assertions
// are recorded and replayed after every reconnect, and active consumers are
// re-registered before the client reports connected again, so callers see a
// stable abstraction across broker restarts.
package broker

import "errors"

// Error taxonomy (sentinels).
var (
	// ErrConnect reports an unreachable or rejecting broker. The supervisor
	// absorbs it during the retry window and surfaces it on exhaustion.
	ErrConnect = errors.New("broker connect failed")
	// ErrTopology reports a queue or exchange declared with arguments
	// incompatible with an existing one (PRECONDITION_FAILED). Never retried.
	ErrTopology = errors.New("broker topology mismatch")
	// ErrPublish reports a publisher confirm timeout or negative ack.
	ErrPublish = errors.New("publish not confirmed")
	// ErrNotConnected fails publishes immediately while the supervisor is
	// reconnecting; the caller decides whether to buffer or drop.
	ErrNotConnected = errors.New("not connected to broker")
	// ErrClosed reports use of a client after Close.
	ErrClosed = errors.New("broker client closed")
)

// State is the connection supervisor state.
type State string

// Supervisor states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)
