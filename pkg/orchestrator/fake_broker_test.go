package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fairyhunter13/swarmq/pkg/broker"
)

// fakeBroker is an in-memory Broker implementation. Publishes are routed
// synchronously to consumers of the destination queue (directly or through a
// matching binding), and every publish and completion is recorded for
// assertions.
type fakeBroker struct {
	mu        sync.Mutex
	queues    map[string]broker.QueueOpts
	asserted  []string          // queues recorded for reconnect replay
	declared  []string          // single-use queues outside the replay list
	exchanges map[string]string // name -> kind
	bindings  []fakeBinding
	consumers map[string][]DeliveryHandler
	published []fakePublish
	exclusive int
	closed    bool
}

type fakeBinding struct {
	queue, exchange, key string
}

type fakePublish struct {
	queue    string // destination queue, "" for exchange publishes
	exchange string
	key      string
	body     []byte
	opts     broker.PublishOpts
}

// fakeCompletion records how a routed delivery was settled.
type fakeCompletion struct {
	mu    sync.Mutex
	state string // "", "acked", "nacked", "rejected"
}

func (c *fakeCompletion) set(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		c.state = s
	}
	return nil
}

func (c *fakeCompletion) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

type fakeSub struct {
	cancel func()
}

func (s *fakeSub) Cancel() error {
	s.cancel()
	return nil
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:    make(map[string]broker.QueueOpts),
		exchanges: make(map[string]string),
		consumers: make(map[string][]DeliveryHandler),
	}
}

func (f *fakeBroker) AssertQueue(_ context.Context, name string, opts broker.QueueOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = opts
	f.asserted = append(f.asserted, name)
	return nil
}

func (f *fakeBroker) DeclareQueue(_ context.Context, name string, opts broker.QueueOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = opts
	f.declared = append(f.declared, name)
	return nil
}

func (f *fakeBroker) assertExchange(name, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges[name] = kind
	return nil
}

func (f *fakeBroker) AssertFanout(_ context.Context, name string) error {
	return f.assertExchange(name, "fanout")
}

func (f *fakeBroker) AssertTopic(_ context.Context, name string) error {
	return f.assertExchange(name, "topic")
}

func (f *fakeBroker) AssertDirect(_ context.Context, name string) error {
	return f.assertExchange(name, "direct")
}

func (f *fakeBroker) AssertExclusiveQueue(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exclusive++
	name := fmt.Sprintf("excl-%d", f.exclusive)
	f.queues[name] = broker.QueueOpts{Exclusive: true, AutoDelete: true}
	return name, nil
}

func (f *fakeBroker) Bind(_ context.Context, queue, exchange, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, fakeBinding{queue: queue, exchange: exchange, key: key})
	return nil
}

func (f *fakeBroker) PublishToQueue(_ context.Context, queue string, body []byte, opts broker.PublishOpts) error {
	f.mu.Lock()
	f.published = append(f.published, fakePublish{queue: queue, body: body, opts: opts})
	f.mu.Unlock()
	f.routeToQueue(queue, queue, body, opts)
	return nil
}

func (f *fakeBroker) PublishToExchange(_ context.Context, exchange, key string, body []byte, opts broker.PublishOpts) error {
	f.mu.Lock()
	f.published = append(f.published, fakePublish{exchange: exchange, key: key, body: body, opts: opts})
	kind := f.exchanges[exchange]
	var targets []string
	for _, b := range f.bindings {
		if b.exchange != exchange {
			continue
		}
		switch kind {
		case "fanout":
			targets = append(targets, b.queue)
		case "topic":
			if matchTopic(b.key, key) {
				targets = append(targets, b.queue)
			}
		default: // direct
			if b.key == key {
				targets = append(targets, b.queue)
			}
		}
	}
	f.mu.Unlock()
	for _, q := range targets {
		f.routeToQueue(q, key, body, opts)
	}
	return nil
}

func (f *fakeBroker) routeToQueue(queue, key string, body []byte, opts broker.PublishOpts) *fakeCompletion {
	f.mu.Lock()
	handlers := append([]DeliveryHandler(nil), f.consumers[queue]...)
	f.mu.Unlock()
	var last *fakeCompletion
	for _, h := range handlers {
		comp := &fakeCompletion{}
		h(context.Background(), Delivery{
			Body:        body,
			Headers:     opts.Headers,
			Priority:    opts.Priority,
			MessageID:   opts.MessageID,
			RoutingKey:  key,
			Ack:         func() error { return comp.set("acked") },
			NackRequeue: func() error { return comp.set("nacked") },
			Reject:      func() error { return comp.set("rejected") },
		})
		last = comp
	}
	return last
}

// deliver hands a raw message to the queue's consumer and returns the
// completion record. The test fails fast when nothing consumes the queue.
func (f *fakeBroker) deliver(queue string, body []byte, headers map[string]any, key string) *fakeCompletion {
	f.mu.Lock()
	handlers := append([]DeliveryHandler(nil), f.consumers[queue]...)
	f.mu.Unlock()
	if len(handlers) == 0 {
		return nil
	}
	comp := &fakeCompletion{}
	handlers[0](context.Background(), Delivery{
		Body:        body,
		Headers:     headers,
		RoutingKey:  key,
		Ack:         func() error { return comp.set("acked") },
		NackRequeue: func() error { return comp.set("nacked") },
		Reject:      func() error { return comp.set("rejected") },
	})
	return comp
}

func (f *fakeBroker) Consume(_ context.Context, queue string, h DeliveryHandler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumers[queue] = append(f.consumers[queue], h)
	return &fakeSub{cancel: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.consumers, queue)
	}}, nil
}

func (f *fakeBroker) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBroker) publishes() []fakePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakePublish(nil), f.published...)
}

func (f *fakeBroker) publishesTo(queue string) []fakePublish {
	var out []fakePublish
	for _, p := range f.publishes() {
		if p.queue == queue {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeBroker) boundQueues(exchange string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.bindings {
		if b.exchange == exchange {
			out = append(out, b.queue)
		}
	}
	return out
}

func (f *fakeBroker) hasQueue(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.queues[name]
	return ok
}

// matchTopic implements AMQP topic matching for the patterns the engine uses:
// "*" matches one word, "#" matches zero or more trailing words.
func matchTopic(pattern, key string) bool {
	pp := strings.Split(pattern, ".")
	kk := strings.Split(key, ".")
	for i, p := range pp {
		if p == "#" {
			return true
		}
		if i >= len(kk) {
			return false
		}
		if p != "*" && p != kk[i] {
			return false
		}
	}
	return len(pp) == len(kk)
}
