package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowline-io/flowline/contracts"
)

var (
	// ErrDoubleAck is returned when a delivery is acked or nacked more
	// than once. This is a stage bug, not a broker condition.
	ErrDoubleAck = errors.New("flow: delivery already resolved")

	// ErrSourceClosed is returned by Stage.Run when the delivery stream
	// closes without the stage being cancelled, which means the broker
	// channel died underneath the consumer.
	ErrSourceClosed = errors.New("flow: delivery source closed")
)

// Delivery is a single in-flight message. Exactly one of Ack or Nack must
// be called, exactly once; later calls fail with ErrDoubleAck.
type Delivery interface {
	// Envelope returns the envelope carried by this delivery.
	Envelope() *contracts.Envelope

	// Ack acknowledges the delivery; the broker discards the message.
	Ack() error

	// Nack rejects the delivery. With requeue the broker redelivers the
	// original message; without it the message is dropped.
	Nack(requeue bool) error
}

// Publisher publishes envelopes to an exchange. Publishing to the empty
// exchange routes directly to the queue named by the routing key.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) error
}

// Channel is one broker channel, exclusively owned by a single stage for
// its lifetime. Channels are not safe for concurrent use and must never be
// shared across stages.
type Channel interface {
	Publisher

	// Consume returns the stream of deliveries for a queue. The stream
	// closes when ctx is cancelled or the channel dies.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// Close releases the channel. Safe to call more than once.
	Close() error
}

// Gateway is the broker adapter the orchestrator runs against.
type Gateway interface {
	// Connect establishes the broker connection. Not retried internally;
	// the orchestrator owns backoff.
	Connect(ctx context.Context) error

	// DeclareTopology idempotently declares the exchanges, queues and
	// bindings of the topology.
	DeclareTopology(ctx context.Context, t Topology) error

	// OpenChannel hands out a channel for exclusive use by one stage.
	OpenChannel(ctx context.Context) (Channel, error)

	// Close releases the connection.
	Close() error
}

// TransientError marks a failure as transient so the processor retries it
// instead of dead-lettering. Sinks wrap recoverable failures with
// Transient; everything else is treated as permanent.
type TransientError struct {
	Err error
}

// Transient wraps err as transient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is marked transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
