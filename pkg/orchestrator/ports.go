package orchestrator

import (
	"context"

	"github.com/fairyhunter13/swarmq/pkg/broker"
)

// Broker is the engine's view of the message broker. *broker.Client
// satisfies it through WrapClient; tests substitute an in-memory fake.
type Broker interface {
	AssertQueue(ctx context.Context, name string, opts broker.QueueOpts) error
	// DeclareQueue declares without recording for reconnect replay; used for
	// single-use delay queues that expire broker-side.
	DeclareQueue(ctx context.Context, name string, opts broker.QueueOpts) error
	AssertFanout(ctx context.Context, name string) error
	AssertTopic(ctx context.Context, name string) error
	AssertDirect(ctx context.Context, name string) error
	AssertExclusiveQueue(ctx context.Context) (string, error)
	Bind(ctx context.Context, queue, exchange, key string) error
	PublishToQueue(ctx context.Context, queue string, body []byte, opts broker.PublishOpts) error
	PublishToExchange(ctx context.Context, exchange, key string, body []byte, opts broker.PublishOpts) error
	Consume(ctx context.Context, queue string, h DeliveryHandler) (Subscription, error)
	Close(ctx context.Context) error
}

// Subscription is a cancellable consumer registration.
type Subscription interface {
	Cancel() error
}

// Delivery is the engine-side view of one consumed message. Exactly one of
// the completion callbacks must be invoked.
type Delivery struct {
	Body        []byte
	Headers     map[string]any
	Priority    uint8
	MessageID   string
	RoutingKey  string
	Redelivered bool

	Ack         func() error
	NackRequeue func() error
	Reject      func() error
}

// DeliveryHandler processes one delivery.
type DeliveryHandler func(ctx context.Context, d Delivery)

// WrapClient adapts a *broker.Client to the Broker port.
func WrapClient(c *broker.Client) Broker { return clientAdapter{c} }

type clientAdapter struct {
	*broker.Client
}

func (a clientAdapter) Consume(ctx context.Context, queue string, h DeliveryHandler) (Subscription, error) {
	return a.Client.Consume(ctx, queue, func(ctx context.Context, d *broker.Delivery) {
		h(ctx, Delivery{
			Body:        d.Body,
			Headers:     d.Headers,
			Priority:    d.Priority,
			MessageID:   d.MessageID,
			RoutingKey:  d.RoutingKey,
			Redelivered: d.Redelivered,
			Ack:         d.Ack,
			NackRequeue: d.NackRequeue,
			Reject:      d.Reject,
		})
	})
}
