package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowline-io/flowline/contracts"
)

// Sink is the terminal side effect of the pipeline: whatever system
// processed messages are forwarded to. Deliver returns nil on success, a
// TransientError when the sink is temporarily unavailable, and any other
// error on a permanent failure.
type Sink interface {
	Deliver(ctx context.Context, env *contracts.Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, env *contracts.Envelope) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// LogSink logs completed messages. It is the default sink when no terminal
// system is wired in.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, env *contracts.Envelope) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("message processed",
		"routingKey", env.RoutingKey,
		"correlationId", env.CorrelationID,
		"retryCount", env.RetryCount)
	return nil
}

// Processor performs the terminal side effect for validated messages.
// Transient sink failures requeue; permanent ones dead-letter.
type Processor struct {
	sink   Sink
	logger *slog.Logger
}

// ProcessorOption configures the Processor
type ProcessorOption func(*Processor)

// WithSink sets the terminal sink
func WithSink(sink Sink) ProcessorOption {
	return func(p *Processor) {
		p.sink = sink
	}
}

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor creates a processor handler with a LogSink unless
// overridden.
func NewProcessor(options ...ProcessorOption) *Processor {
	p := &Processor{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.sink == nil {
		p.sink = &LogSink{Logger: p.logger}
	}
	return p
}

// Handle implements Handler.
func (p *Processor) Handle(ctx context.Context, env *contracts.Envelope) contracts.Outcome {
	err := p.sink.Deliver(ctx, env)
	if err == nil {
		return contracts.Terminate()
	}
	if IsTransient(err) {
		return contracts.Retry(err)
	}
	return contracts.DeadLetter(contracts.ReasonProcessError,
		fmt.Errorf("sink delivery: %w", err))
}
