package flow

// In-memory broker fake used across the flow tests. It models the pieces
// of the broker the pipeline relies on: named queues, topic pattern
// routing, exchange-to-exchange fanout bindings and the default exchange
// routing directly to the queue named by the routing key.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowline-io/flowline/contracts"
)

const memQueueDepth = 256

type memQueueBinding struct {
	exchange string
	pattern  string
	queue    string
}

type memExchangeBinding struct {
	source string
	dest   string
}

type memBroker struct {
	mu           sync.Mutex
	queues       map[string]chan *contracts.Envelope
	bindings     []memQueueBinding
	exBindings   []memExchangeBinding
	declareCalls int

	// publishErr, when set, fails the next matching publish and is
	// consulted under the broker lock.
	publishErr func(exchange, routingKey string) error
}

func newMemBroker() *memBroker {
	return &memBroker{
		queues: make(map[string]chan *contracts.Envelope),
	}
}

func (b *memBroker) ensureQueue(name string) chan *contracts.Envelope {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := make(chan *contracts.Envelope, memQueueDepth)
	b.queues[name] = q
	return q
}

func (b *memBroker) declare(t Topology) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareCalls++

	b.bindings = b.bindings[:0]
	b.exBindings = b.exBindings[:0]

	b.exBindings = append(b.exBindings, memExchangeBinding{
		source: t.FanoutExchange(),
		dest:   t.TopicExchange(),
	})
	for _, sb := range t.Bindings {
		b.ensureQueue(sb.Queue)
		b.bindings = append(b.bindings, memQueueBinding{
			exchange: t.TopicExchange(),
			pattern:  sb.Pattern,
			queue:    sb.Queue,
		})
	}
	if t.DeadLetterQueue != "" {
		b.ensureQueue(t.DeadLetterQueue)
		b.bindings = append(b.bindings, memQueueBinding{
			exchange: t.TopicExchange(),
			pattern:  t.DeadLetterPattern,
			queue:    t.DeadLetterQueue,
		})
	}
}

func (b *memBroker) publish(exchange, routingKey string, env *contracts.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		if err := b.publishErr(exchange, routingKey); err != nil {
			return err
		}
	}

	if exchange == "" {
		b.ensureQueue(routingKey) <- env.Copy()
		return nil
	}
	b.route(exchange, routingKey, env)
	return nil
}

func (b *memBroker) route(exchange, routingKey string, env *contracts.Envelope) {
	for _, eb := range b.exBindings {
		if eb.source == exchange {
			b.route(eb.dest, routingKey, env)
		}
	}
	for _, qb := range b.bindings {
		if qb.exchange == exchange && MatchPattern(qb.pattern, routingKey) {
			b.queues[qb.queue] <- env.Copy()
		}
	}
}

// take pops the next envelope from a queue, or reports false on timeout.
func (b *memBroker) take(queue string, timeout time.Duration) (*contracts.Envelope, bool) {
	b.mu.Lock()
	q := b.ensureQueue(queue)
	b.mu.Unlock()

	select {
	case env := <-q:
		return env, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (b *memBroker) queueLen(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ensureQueue(queue))
}

// memGateway implements Gateway over the broker fake.
type memGateway struct {
	broker       *memBroker
	mu           sync.Mutex
	connectErrs  []error // popped per Connect call; nil entries succeed
	connectCalls int
	declareErr   error
	openErr      error
}

func newMemGateway(broker *memBroker) *memGateway {
	return &memGateway{broker: broker}
}

func (g *memGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectCalls++
	if len(g.connectErrs) == 0 {
		return nil
	}
	err := g.connectErrs[0]
	g.connectErrs = g.connectErrs[1:]
	return err
}

func (g *memGateway) connects() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectCalls
}

func (g *memGateway) DeclareTopology(ctx context.Context, t Topology) error {
	if g.declareErr != nil {
		return g.declareErr
	}
	g.broker.declare(t)
	return nil
}

func (g *memGateway) OpenChannel(ctx context.Context) (Channel, error) {
	if g.openErr != nil {
		return nil, g.openErr
	}
	return &memChannel{broker: g.broker}, nil
}

func (g *memGateway) Close() error { return nil }

// memChannel implements Channel over the broker fake.
type memChannel struct {
	broker *memBroker
	mu     sync.Mutex
	closed bool
}

func (c *memChannel) Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) error {
	return c.broker.publish(exchange, routingKey, env)
}

func (c *memChannel) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("mem: channel closed")
	}
	c.mu.Unlock()

	c.broker.mu.Lock()
	q := c.broker.ensureQueue(queue)
	c.broker.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-q:
				if !ok {
					return
				}
				d := &memDelivery{env: env, broker: c.broker, queue: queue}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// memDelivery enforces the same exactly-once resolution contract as the
// AMQP transport.
type memDelivery struct {
	env    *contracts.Envelope
	broker *memBroker
	queue  string

	mu       sync.Mutex
	resolved bool
	acked    bool
	nacked   bool
	requeued bool
}

func (d *memDelivery) Envelope() *contracts.Envelope { return d.env }

func (d *memDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return ErrDoubleAck
	}
	d.resolved = true
	d.acked = true
	return nil
}

func (d *memDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return ErrDoubleAck
	}
	d.resolved = true
	d.nacked = true
	d.requeued = requeue
	if requeue {
		d.broker.mu.Lock()
		d.broker.ensureQueue(d.queue) <- d.env.Copy()
		d.broker.mu.Unlock()
	}
	return nil
}

func (d *memDelivery) state() (acked, nacked, requeued bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked, d.requeued
}

// recordingSink captures everything delivered to the processor, with an
// optional per-call error script.
type recordingSink struct {
	mu        sync.Mutex
	delivered []*contracts.Envelope
	errs      []error // popped per call; nil entries succeed
}

func (s *recordingSink) Deliver(ctx context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.delivered = append(s.delivered, env.Copy())
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *recordingSink) last() *contracts.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delivered) == 0 {
		return nil
	}
	return s.delivered[len(s.delivered)-1]
}
