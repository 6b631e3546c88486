package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowline-io/flowline/contracts"
	"github.com/flowline-io/flowline/flow"
	"github.com/flowline-io/flowline/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the slice of *amqp.Channel the stage channel relies on,
// kept narrow so tests can stand in for the broker.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// stageChannel is one AMQP channel exclusively owned by a single stage.
type stageChannel struct {
	ch     amqpChannel
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

func newStageChannel(ch amqpChannel, logger *slog.Logger) *stageChannel {
	return &stageChannel{
		ch:     ch,
		logger: logger,
	}
}

// Publish implements flow.Publisher. Publishes are fire-and-forget; the
// caller decides whether a failure is worth a retry.
func (c *stageChannel) Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) error {
	err := c.ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		toPublishing(env),
	)
	if err != nil {
		return &rabbitmq.PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// Consume implements flow.Channel. The returned stream closes when ctx is
// cancelled or the underlying channel dies.
func (c *stageChannel) Consume(ctx context.Context, queue string) (<-chan flow.Delivery, error) {
	tag := "flowline-" + uuid.New().String()

	deliveries, err := c.ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &rabbitmq.ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	out := make(chan flow.Delivery)
	done := make(chan struct{})

	// Cancel the consumer when the stage stops so the broker stops
	// pushing deliveries and the stream below drains and closes. The
	// watcher also exits with the stream itself, so reconnect cycles on
	// a long-lived run context do not pile up goroutines.
	go func() {
		select {
		case <-ctx.Done():
			if err := c.ch.Cancel(tag, false); err != nil {
				c.logger.Debug("consumer cancel failed", "queue", queue, "error", err)
			}
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		for d := range deliveries {
			select {
			case out <- &delivery{d: d}:
			case <-ctx.Done():
				// The stage is gone; drop the in-hand delivery so it is
				// redelivered after the consumer cancel.
				return
			}
		}
	}()

	return out, nil
}

// Close implements flow.Channel. Safe to call more than once.
func (c *stageChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ch.Close()
}

// delivery wraps one amqp.Delivery and enforces exactly-once resolution.
type delivery struct {
	d        amqp.Delivery
	mu       sync.Mutex
	resolved bool
}

// Envelope implements flow.Delivery.
func (d *delivery) Envelope() *contracts.Envelope {
	return fromDelivery(d.d)
}

// Ack implements flow.Delivery.
func (d *delivery) Ack() error {
	if err := d.resolve(); err != nil {
		return err
	}
	return d.d.Ack(false)
}

// Nack implements flow.Delivery.
func (d *delivery) Nack(requeue bool) error {
	if err := d.resolve(); err != nil {
		return err
	}
	return d.d.Nack(false, requeue)
}

func (d *delivery) resolve() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return flow.ErrDoubleAck
	}
	d.resolved = true
	return nil
}

var _ flow.Channel = (*stageChannel)(nil)
var _ flow.Delivery = (*delivery)(nil)
