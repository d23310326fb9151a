package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Client holds one live AMQP session. All methods are safe for concurrent
// use. The client never holds more than one active connection; reconnecting
// fully closes the previous one first.
type Client struct {
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	state     State
	topology  []assertion
	consumers map[string]*Consumer

	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error

	fatal      chan error
	reconnects atomic.Int64
	handlers   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the broker, retrying the initial attempt on the same
// backoff schedule as reconnection, and starts the connection supervisor.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:      opts,
		log:       opts.Logger.With(slog.String("component", "broker")),
		state:     StateConnecting,
		consumers: make(map[string]*Consumer),
		fatal:     make(chan error, 1),
		ctx:       runCtx,
		cancel:    cancel,
	}

	if err := c.connectWithBackoff(ctx); err != nil {
		cancel()
		return nil, err
	}
	go c.supervise()
	return c, nil
}

// State returns the current supervisor state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Fatal surfaces a reconnect-exhaustion error to the embedder. The channel
// receives at most one error for the client's lifetime.
func (c *Client) Fatal() <-chan error { return c.fatal }

// Reconnects reports how many times the session was re-established.
func (c *Client) Reconnects() int64 { return c.reconnects.Load() }

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// connectWithBackoff runs connection attempts on the exponential schedule
// until success, context cancellation, or attempt exhaustion.
func (c *Client) connectWithBackoff(ctx context.Context) error {
	sched := backoff.NewExponentialBackOff()
	sched.InitialInterval = c.opts.ReconnectBase
	sched.MaxInterval = c.opts.ReconnectCap
	sched.Multiplier = 2
	sched.RandomizationFactor = 0
	sched.MaxElapsedTime = 0
	sched.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.opts.ReconnectMaxAttempts; attempt++ {
		if err := c.connect(); err != nil {
			lastErr = err
			wait := sched.NextBackOff()
			c.log.Warn("connect attempt failed",
				slog.Int("attempt", attempt),
				slog.Duration("next_backoff", wait),
				slog.Any("error", err))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrConnect, ctx.Err())
			case <-c.ctx.Done():
				return ErrClosed
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %d attempts exhausted: %v", ErrConnect, c.opts.ReconnectMaxAttempts, lastErr)
}

// connect establishes a fresh connection and channel, re-asserts recorded
// topology and restarts registered consumers. Only after all of that does
// the client report connected.
func (c *Client) connect() error {
	conn, err := amqp.DialConfig(c.opts.URL, amqp.Config{
		Heartbeat: c.opts.Heartbeat,
		Properties: amqp.Table{
			"connection_name": "swarmq",
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: open channel: %v", ErrConnect, err)
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: set qos: %v", ErrConnect, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: confirm mode: %v", ErrConnect, err)
	}

	c.mu.Lock()
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.ch = ch
	c.notifyConnClose = make(chan *amqp.Error, 1)
	c.notifyChanClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(c.notifyConnClose)
	ch.NotifyClose(c.notifyChanClose)
	topology := append([]assertion(nil), c.topology...)
	consumers := make([]*Consumer, 0, len(c.consumers))
	for _, cons := range c.consumers {
		consumers = append(consumers, cons)
	}
	c.mu.Unlock()

	for _, a := range topology {
		if err := c.apply(ch, a); err != nil {
			_ = conn.Close()
			return fmt.Errorf("re-assert topology: %w", err)
		}
	}
	for _, cons := range consumers {
		if err := cons.start(ch); err != nil {
			_ = conn.Close()
			return fmt.Errorf("restart consumer on %s: %w", cons.queue, err)
		}
	}

	c.setState(StateConnected)
	c.log.Info("connected", slog.String("url", redactURL(c.opts.URL)))
	return nil
}

// supervise watches for connection and channel loss. Connection loss tears
// everything down and re-runs the full connect path; a channel-only error on
// a live connection re-opens just the channel.
func (c *Client) supervise() {
	for {
		c.mu.RLock()
		connClose, chanClose := c.notifyConnClose, c.notifyChanClose
		c.mu.RUnlock()

		select {
		case <-c.ctx.Done():
			return
		case amqpErr, ok := <-connClose:
			if !ok {
				c.dropNotify(&c.notifyConnClose, connClose)
				continue
			}
			if c.State() == StateClosing {
				continue
			}
			c.log.Warn("connection lost", slog.Any("error", amqpErr))
			c.setState(StateReconnecting)
			c.reconnect()
		case amqpErr, ok := <-chanClose:
			if !ok {
				c.dropNotify(&c.notifyChanClose, chanClose)
				continue
			}
			if c.State() == StateClosing {
				continue
			}
			c.mu.RLock()
			connAlive := c.conn != nil && !c.conn.IsClosed()
			c.mu.RUnlock()
			if !connAlive {
				// The connection close notification will follow.
				continue
			}
			c.log.Warn("channel lost, reopening", slog.Any("error", amqpErr))
			if err := c.reopenChannel(); err != nil {
				c.log.Warn("channel reopen failed, reconnecting", slog.Any("error", err))
				c.setState(StateReconnecting)
				c.reconnect()
			}
		}
	}
}

// dropNotify clears a drained notify channel. Fresh channels are only
// installed on successful reconnect; after exhaustion the closed ones would
// make the supervisor select spin, so a nil slot parks it until Close.
func (c *Client) dropNotify(slot *chan *amqp.Error, drained chan *amqp.Error) {
	c.mu.Lock()
	if *slot == drained {
		*slot = nil
	}
	c.mu.Unlock()
}

func (c *Client) reconnect() {
	if err := c.connectWithBackoff(c.ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		c.setState(StateDisconnected)
		c.log.Error("reconnect attempts exhausted", slog.Any("error", err))
		select {
		case c.fatal <- err:
		default:
		}
		return
	}
	c.reconnects.Add(1)
}

// reopenChannel replaces a dead channel on a live connection, restoring QoS,
// confirm mode, topology and consumers.
func (c *Client) reopenChannel() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}

	c.mu.Lock()
	c.ch = ch
	c.notifyChanClose = make(chan *amqp.Error, 1)
	ch.NotifyClose(c.notifyChanClose)
	topology := append([]assertion(nil), c.topology...)
	consumers := make([]*Consumer, 0, len(c.consumers))
	for _, cons := range c.consumers {
		consumers = append(consumers, cons)
	}
	c.mu.Unlock()

	for _, a := range topology {
		if err := c.apply(ch, a); err != nil {
			return err
		}
	}
	for _, cons := range consumers {
		if err := cons.start(ch); err != nil {
			return err
		}
	}
	return nil
}

// channel returns the live channel or ErrNotConnected.
func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case StateClosing, StateClosed:
		return nil, ErrClosed
	case StateConnected:
		return c.ch, nil
	default:
		return nil, ErrNotConnected
	}
}

// Close stops consumers, waits for in-flight handlers until the context
// deadline, then closes channel and connection. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	ch, conn := c.ch, c.conn
	consumers := make([]*Consumer, 0, len(c.consumers))
	for _, cons := range c.consumers {
		consumers = append(consumers, cons)
	}
	c.mu.Unlock()

	c.cancel()
	for _, cons := range consumers {
		cons.stop(ch)
	}

	done := make(chan struct{})
	go func() {
		c.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("drain timeout, closing with handlers in flight")
	}

	if ch != nil {
		_ = ch.Close()
	}
	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	c.setState(StateClosed)
	c.log.Info("closed")
	return err
}

func redactURL(url string) string {
	// Strip credentials between "//" and "@" for logs.
	start := -1
	for i := 0; i+1 < len(url); i++ {
		if url[i] == '/' && url[i+1] == '/' {
			start = i + 2
			break
		}
	}
	if start < 0 {
		return url
	}
	for i := start; i < len(url); i++ {
		if url[i] == '@' {
			return url[:start] + "***" + url[i:]
		}
	}
	return url
}
