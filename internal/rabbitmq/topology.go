package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// QueueBinding defines a queue-to-exchange binding
type QueueBinding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// ExchangeBinding defines an exchange-to-exchange binding
type ExchangeBinding struct {
	Source      string
	Destination string
	RoutingKey  string
	Arguments   amqp.Table
}

// Declarations is the complete set of broker objects a pipeline needs.
// Declaring it is idempotent: broker declarations are declarative and
// convergent, so redundant invocation from multiple processes is safe.
type Declarations struct {
	Exchanges        []ExchangeDeclaration
	Queues           []QueueDeclaration
	QueueBindings    []QueueBinding
	ExchangeBindings []ExchangeBinding
}

// Declare declares all exchanges, queues and bindings on the given channel.
// It fails with a *TopologyError when a declaration conflicts with existing
// broker state, e.g. an exchange redeclared with a different type.
func Declare(ch *amqp.Channel, decls Declarations) error {
	for _, ex := range decls.Exchanges {
		err := ch.ExchangeDeclare(
			ex.Name,
			ex.Type,
			ex.Durable,
			ex.AutoDelete,
			false, // internal
			false, // no-wait
			ex.Arguments,
		)
		if err != nil {
			return &TopologyError{
				Component: "exchange",
				Name:      ex.Name,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	for _, eb := range decls.ExchangeBindings {
		err := ch.ExchangeBind(
			eb.Destination,
			eb.RoutingKey,
			eb.Source,
			false, // no-wait
			eb.Arguments,
		)
		if err != nil {
			return &TopologyError{
				Component: "exchange binding",
				Name:      eb.Source + " -> " + eb.Destination,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	for _, q := range decls.Queues {
		_, err := ch.QueueDeclare(
			q.Name,
			q.Durable,
			q.AutoDelete,
			q.Exclusive,
			false, // no-wait
			q.Arguments,
		)
		if err != nil {
			return &TopologyError{
				Component: "queue",
				Name:      q.Name,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	for _, qb := range decls.QueueBindings {
		err := ch.QueueBind(
			qb.Queue,
			qb.RoutingKey,
			qb.Exchange,
			false, // no-wait
			qb.Arguments,
		)
		if err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      qb.Queue + " -> " + qb.Exchange,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return nil
}
