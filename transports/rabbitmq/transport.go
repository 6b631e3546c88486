// Package rabbitmq implements the flow.Gateway over RabbitMQ.
//
// The gateway maps the pipeline topology onto native broker primitives: a
// durable fanout exchange for ingestion, a durable topic exchange bound to
// it with "#", per-stage durable queues bound to the topic exchange with
// their routing patterns, and a dead-letter queue.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowline-io/flowline/flow"
	"github.com/flowline-io/flowline/internal/rabbitmq"
)

// Gateway adapts a RabbitMQ connection to the flow.Gateway interface.
type Gateway struct {
	manager  *rabbitmq.ConnectionManager
	prefetch int
	logger   *slog.Logger
}

// GatewayOption configures the gateway
type GatewayOption func(*Gateway)

// WithPrefetch sets the per-channel prefetch count
func WithPrefetch(count int) GatewayOption {
	return func(g *Gateway) {
		g.prefetch = count
	}
}

// WithGatewayLogger sets the logger
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// NewGateway creates a gateway for a connection URL. Connect must be
// called before topology declaration or channel use.
func NewGateway(url string, options ...GatewayOption) *Gateway {
	g := &Gateway{
		prefetch: 10,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(g)
	}
	g.manager = rabbitmq.NewConnectionManager(url, rabbitmq.WithLogger(g.logger))
	return g
}

// Connect implements flow.Gateway.
func (g *Gateway) Connect(ctx context.Context) error {
	return g.manager.Connect(ctx)
}

// DeclareTopology implements flow.Gateway. Declarations run on a dedicated
// short-lived channel; they are idempotent and safe to repeat from
// multiple processes.
func (g *Gateway) DeclareTopology(ctx context.Context, t flow.Topology) error {
	ch, err := g.manager.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := rabbitmq.Declare(ch, declarationsFor(t)); err != nil {
		return err
	}

	g.logger.Info("topology declared",
		"pipeline", t.Pipeline,
		"fanout", t.FanoutExchange(),
		"topic", t.TopicExchange(),
		"queues", len(t.Bindings)+1)
	return nil
}

// OpenChannel implements flow.Gateway.
func (g *Gateway) OpenChannel(ctx context.Context) (flow.Channel, error) {
	ch, err := g.manager.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(g.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return newStageChannel(ch, g.logger), nil
}

// Close implements flow.Gateway.
func (g *Gateway) Close() error {
	return g.manager.Close()
}

// declarationsFor maps the pipeline topology onto broker declarations.
// Everything is durable, matching the original RabbitFlow layout.
func declarationsFor(t flow.Topology) rabbitmq.Declarations {
	decls := rabbitmq.Declarations{
		Exchanges: []rabbitmq.ExchangeDeclaration{
			{Name: t.FanoutExchange(), Type: "fanout", Durable: true},
			{Name: t.TopicExchange(), Type: "topic", Durable: true},
		},
		ExchangeBindings: []rabbitmq.ExchangeBinding{
			// Everything entering the fanout reaches the topic exchange,
			// where stage patterns take over.
			{Source: t.FanoutExchange(), Destination: t.TopicExchange(), RoutingKey: "#"},
		},
	}

	for _, b := range t.Bindings {
		decls.Queues = append(decls.Queues, rabbitmq.QueueDeclaration{
			Name:    b.Queue,
			Durable: true,
		})
		decls.QueueBindings = append(decls.QueueBindings, rabbitmq.QueueBinding{
			Queue:      b.Queue,
			Exchange:   t.TopicExchange(),
			RoutingKey: b.Pattern,
		})
	}

	if t.DeadLetterQueue != "" {
		decls.Queues = append(decls.Queues, rabbitmq.QueueDeclaration{
			Name:    t.DeadLetterQueue,
			Durable: true,
		})
		decls.QueueBindings = append(decls.QueueBindings, rabbitmq.QueueBinding{
			Queue:      t.DeadLetterQueue,
			Exchange:   t.TopicExchange(),
			RoutingKey: t.DeadLetterPattern,
		})
	}

	return decls
}

var _ flow.Gateway = (*Gateway)(nil)
