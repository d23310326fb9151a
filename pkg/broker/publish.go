package broker

import (
	"context"
	"fmt"
	"time"
)

// PublishToQueue publishes directly to a queue through the default exchange.
// The call resolves only once the broker confirms the publish, or fails
// after the configured confirm timeout.
func (c *Client) PublishToQueue(ctx context.Context, queue string, body []byte, opts PublishOpts) error {
	return c.publish(ctx, "", queue, body, opts)
}

// PublishToExchange publishes to an exchange with a routing key, waiting for
// the broker confirm.
func (c *Client) PublishToExchange(ctx context.Context, exchange, key string, body []byte, opts PublishOpts) error {
	return c.publish(ctx, exchange, key, body, opts)
}

func (c *Client) publish(ctx context.Context, exchange, key string, body []byte, opts PublishOpts) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	if opts.Timestamp.IsZero() {
		opts.Timestamp = time.Now()
	}

	confirmCtx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		confirmCtx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		opts.publishing(body),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	acked, err := confirm.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("%w: confirm wait: %v", ErrPublish, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked delivery tag %d", ErrPublish, confirm.DeliveryTag)
	}
	return nil
}
