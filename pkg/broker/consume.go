package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one consumed message. Exactly one of Ack, NackRequeue or
// Reject must be invoked per delivery; extra invocations are no-ops.
type Delivery struct {
	Body        []byte
	Headers     map[string]any
	Priority    uint8
	MessageID   string
	RoutingKey  string
	Redelivered bool

	completed atomic.Bool
	ack       func() error
	nack      func() error
	reject    func() error
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack() error {
	if !d.completed.CompareAndSwap(false, true) {
		return nil
	}
	return d.ack()
}

// NackRequeue negatively acknowledges the delivery, requeueing it.
func (d *Delivery) NackRequeue() error {
	if !d.completed.CompareAndSwap(false, true) {
		return nil
	}
	return d.nack()
}

// Reject drops the delivery without requeue; the broker dead-letters it if
// the queue has a DLX.
func (d *Delivery) Reject() error {
	if !d.completed.CompareAndSwap(false, true) {
		return nil
	}
	return d.reject()
}

// Completed reports whether a completion callback has been invoked.
func (d *Delivery) Completed() bool { return d.completed.Load() }

// Handler processes one delivery. Deliveries arrive one at a time per
// consumer; handlers that need concurrency hand the delivery off.
type Handler func(ctx context.Context, d *Delivery)

// Consumer is a cancellable subscription on one queue. It survives
// reconnects: the client restarts it on the fresh channel before reporting
// connected.
type Consumer struct {
	client    *Client
	queue     string
	tag       string
	handler   Handler
	cancelled atomic.Bool
}

// Consume registers a consumer on the queue. Each delivery is dispatched to
// the handler with the client's run context.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) (*Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}

	cons := &Consumer{
		client:  c,
		queue:   queue,
		tag:     fmt.Sprintf("swarmq.%s.%s", queue, uuid.NewString()[:8]),
		handler: handler,
	}
	if err := cons.start(ch); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.consumers[cons.tag] = cons
	c.mu.Unlock()
	return cons, nil
}

// Queue returns the consumed queue name.
func (cons *Consumer) Queue() string { return cons.queue }

// Cancel stops delivery to this consumer. In-flight handlers finish on
// their own; Close waits for them.
func (cons *Consumer) Cancel() error {
	if !cons.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	c := cons.client
	c.mu.Lock()
	delete(c.consumers, cons.tag)
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		if err := ch.Cancel(cons.tag, false); err != nil {
			return fmt.Errorf("cancel consumer %s: %w", cons.tag, err)
		}
	}
	return nil
}

func (cons *Consumer) start(ch *amqp.Channel) error {
	if cons.cancelled.Load() {
		return nil
	}
	deliveries, err := ch.Consume(cons.queue, cons.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", cons.queue, err)
	}
	go cons.loop(deliveries)
	return nil
}

func (cons *Consumer) loop(deliveries <-chan amqp.Delivery) {
	c := cons.client
	for d := range deliveries {
		if cons.cancelled.Load() {
			// Consumer was cancelled with a delivery already in flight.
			_ = d.Nack(false, true)
			continue
		}
		delivery := wrap(d)
		c.handlers.Add(1)
		func() {
			defer c.handlers.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("handler panic",
						slog.String("queue", cons.queue),
						slog.Any("panic", r))
					_ = delivery.NackRequeue()
				}
			}()
			cons.handler(c.ctx, delivery)
		}()
	}
}

func wrap(d amqp.Delivery) *Delivery {
	return &Delivery{
		Body:        d.Body,
		Headers:     map[string]any(d.Headers),
		Priority:    d.Priority,
		MessageID:   d.MessageId,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		ack:         func() error { return d.Ack(false) },
		nack:        func() error { return d.Nack(false, true) },
		reject:      func() error { return d.Reject(false) },
	}
}

// stop cancels the broker-side consumer during Close without touching the
// registry (Close iterates it).
func (cons *Consumer) stop(ch *amqp.Channel) {
	cons.cancelled.Store(true)
	if ch != nil {
		_ = ch.Cancel(cons.tag, false)
	}
}
