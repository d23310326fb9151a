package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// assertion is one replayable topology declaration. The recorded list is
// re-applied in order after every reconnect.
type assertion struct {
	kind         string // "queue", "exchange" or "bind"
	name         string
	exchangeKind string
	queueOpts    QueueOpts
	bindQueue    string
	bindExchange string
	bindKey      string
}

// AssertQueue declares a queue with the given options and records it for
// replay. Declaring an existing queue with identical arguments is a no-op;
// mismatched arguments surface as ErrTopology and the caller decides whether
// to delete and recreate (never done here).
func (c *Client) AssertQueue(ctx context.Context, name string, opts QueueOpts) error {
	return c.assert(ctx, assertion{kind: "queue", name: name, queueOpts: opts})
}

// AssertTaskQueue declares a durable queue suitable for task traffic.
func (c *Client) AssertTaskQueue(ctx context.Context, name string, opts QueueOpts) error {
	opts.Durable = true
	return c.AssertQueue(ctx, name, opts)
}

// AssertFanout declares a durable fanout exchange.
func (c *Client) AssertFanout(ctx context.Context, name string) error {
	return c.assert(ctx, assertion{kind: "exchange", name: name, exchangeKind: "fanout"})
}

// AssertTopic declares a durable topic exchange.
func (c *Client) AssertTopic(ctx context.Context, name string) error {
	return c.assert(ctx, assertion{kind: "exchange", name: name, exchangeKind: "topic"})
}

// AssertDirect declares a durable direct exchange.
func (c *Client) AssertDirect(ctx context.Context, name string) error {
	return c.assert(ctx, assertion{kind: "exchange", name: name, exchangeKind: "direct"})
}

// AssertExclusiveQueue declares an exclusive auto-delete queue owned by this
// connection and returns its name. The name is generated client-side so the
// queue keeps its identity across reconnect replays.
func (c *Client) AssertExclusiveQueue(ctx context.Context) (string, error) {
	name := "swarmq.excl." + uuid.NewString()[:8]
	err := c.assert(ctx, assertion{
		kind:      "queue",
		name:      name,
		queueOpts: QueueOpts{Exclusive: true, AutoDelete: true},
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// DeclareQueue declares a queue without recording it for reconnect replay.
// Meant for single-use queues that expire broker-side (x-expires), such as
// retry delay queues; recording those would grow the replay list without
// bound and re-declare long-expired queues after every reconnect.
func (c *Client) DeclareQueue(ctx context.Context, name string, opts QueueOpts) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := c.channel()
	if err != nil {
		return err
	}
	return c.apply(ch, assertion{kind: "queue", name: name, queueOpts: opts})
}

// Bind binds a queue to an exchange with a routing key or pattern.
func (c *Client) Bind(ctx context.Context, queue, exchange, key string) error {
	return c.assert(ctx, assertion{kind: "bind", bindQueue: queue, bindExchange: exchange, bindKey: key})
}

func (c *Client) assert(ctx context.Context, a assertion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := c.apply(ch, a); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, have := range c.topology {
		if have == a {
			return nil
		}
	}
	c.topology = append(c.topology, a)
	return nil
}

func (c *Client) apply(ch *amqp.Channel, a assertion) error {
	var err error
	switch a.kind {
	case "queue":
		_, err = ch.QueueDeclare(
			a.name,
			a.queueOpts.Durable,
			a.queueOpts.AutoDelete,
			a.queueOpts.Exclusive,
			false,
			a.queueOpts.args(),
		)
	case "exchange":
		err = ch.ExchangeDeclare(a.name, a.exchangeKind, true, false, false, false, nil)
	case "bind":
		err = ch.QueueBind(a.bindQueue, a.bindKey, a.bindExchange, false, nil)
	}
	if err != nil {
		c.log.Error("topology assertion failed",
			slog.String("kind", a.kind),
			slog.String("name", a.name),
			slog.Any("error", err))
		return classifyTopologyErr(a, err)
	}
	return nil
}

func classifyTopologyErr(a assertion, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("%w: %s %q: %v", ErrTopology, a.kind, a.name, err)
	}
	return fmt.Errorf("assert %s %q: %w", a.kind, a.name, err)
}
