package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowline-io/flowline/contracts"
)

// Handler is the variant-specific work of a stage: inspect or transform
// one envelope and decide its outcome. Domain failures never escape a
// handler; they come back as Retry or DeadLetter outcomes.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) contracts.Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) contracts.Outcome

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) contracts.Outcome {
	return f(ctx, env)
}

// DefaultMaxRetries bounds the retry count when no override is given.
const DefaultMaxRetries = 3

// Stage consumes from one queue binding, runs its handler per delivery and
// applies the resulting outcome. It exclusively owns its channel for the
// duration of Run.
type Stage struct {
	role       Role
	binding    StageBinding
	topology   Topology
	channel    Channel
	handler    Handler
	maxRetries int
	logger     *slog.Logger
}

// StageOption configures a Stage
type StageOption func(*Stage)

// WithStageLogger sets the logger
func WithStageLogger(logger *slog.Logger) StageOption {
	return func(s *Stage) {
		s.logger = logger
	}
}

// WithStageMaxRetries bounds the per-message retry count
func WithStageMaxRetries(max int) StageOption {
	return func(s *Stage) {
		s.maxRetries = max
	}
}

// NewStage creates a stage for a role over its topology binding. The
// channel is owned exclusively by this stage until Run returns.
func NewStage(topology Topology, role Role, channel Channel, handler Handler, options ...StageOption) (*Stage, error) {
	binding, ok := topology.Binding(role)
	if !ok {
		return nil, fmt.Errorf("%w: no binding for role %s", ErrInvalidTopology, role)
	}

	s := &Stage{
		role:       role,
		binding:    binding,
		topology:   topology,
		channel:    channel,
		handler:    handler,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// Role returns the stage role.
func (s *Stage) Role() Role {
	return s.role
}

// Run enters the consumption loop. It blocks between deliveries, completes
// any in-flight handle call before exiting on cancellation, and returns
// ErrSourceClosed when the delivery stream dies without being cancelled.
func (s *Stage) Run(ctx context.Context) error {
	deliveries, err := s.channel.Consume(ctx, s.binding.Queue)
	if err != nil {
		return err
	}

	s.logger.Info("stage started",
		"role", s.role,
		"queue", s.binding.Queue,
		"pattern", s.binding.Pattern)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stage stopping", "role", s.role)
			return nil

		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					s.logger.Info("stage stopping", "role", s.role)
					return nil
				}
				return ErrSourceClosed
			}
			s.process(ctx, d)
		}
	}
}

// process handles one delivery end to end: handler, then outcome.
func (s *Stage) process(ctx context.Context, d Delivery) {
	env := d.Envelope()
	outcome := s.handler.Handle(ctx, env)
	s.apply(ctx, d, env, outcome)
}

// apply resolves the delivery according to the outcome. Every path acks or
// nacks exactly once.
func (s *Stage) apply(ctx context.Context, d Delivery, env *contracts.Envelope, outcome contracts.Outcome) {
	if outcome.Kind() == contracts.KindForward {
		fwd := outcome.Envelope()
		err := s.channel.Publish(ctx, s.topology.TopicExchange(), fwd.RoutingKey, fwd)
		if err == nil {
			s.ack(d)
			s.logger.Debug("forwarded",
				"role", s.role,
				"routingKey", fwd.RoutingKey,
				"correlationId", fwd.CorrelationID)
			return
		}
		// Publish failures are transient channel conditions; requeue.
		s.logger.Warn("downstream publish failed",
			"role", s.role,
			"error", err,
			"correlationId", fwd.CorrelationID)
		outcome = contracts.Retry(err)
	}

	switch outcome.Kind() {
	case contracts.KindTerminate:
		s.ack(d)
		s.logger.Debug("completed",
			"role", s.role,
			"correlationId", env.CorrelationID)

	case contracts.KindRetry:
		if env.RetryCount >= s.maxRetries {
			s.deadLetter(ctx, d, env, contracts.DeadLetter(s.failureReason(), outcome.Err()))
			return
		}
		s.requeue(ctx, d, env, outcome)

	case contracts.KindDeadLetter:
		s.deadLetter(ctx, d, env, outcome)
	}
}

// requeue republishes the envelope to the stage's own queue with an
// incremented retry count and acks the original. The broker's native
// requeue would redeliver the original headers unchanged, so the counter
// must travel on a fresh publish.
func (s *Stage) requeue(ctx context.Context, d Delivery, env *contracts.Envelope, outcome contracts.Outcome) {
	retried := env.Copy()
	retried.IncrementRetry()

	if err := s.channel.Publish(ctx, "", s.binding.Queue, retried); err != nil {
		// Could not republish; fall back to broker requeue. The retry
		// count does not advance on this path.
		s.logger.Error("retry republish failed, requeueing original",
			"role", s.role,
			"error", err,
			"correlationId", env.CorrelationID)
		s.nack(d, true)
		return
	}

	s.ack(d)
	s.logger.Info("message requeued",
		"role", s.role,
		"retryCount", retried.RetryCount,
		"maxRetries", s.maxRetries,
		"error", outcome.Err(),
		"correlationId", env.CorrelationID)
}

// deadLetter publishes the envelope to the dead-letter surface with its
// reason and drops the delivery.
func (s *Stage) deadLetter(ctx context.Context, d Delivery, env *contracts.Envelope, outcome contracts.Outcome) {
	dead := env.Copy()
	dead.Reason = outcome.Reason()
	dead.RoutingKey = s.topology.DeadLetterKey(s.role)

	if err := s.channel.Publish(ctx, s.topology.TopicExchange(), dead.RoutingKey, dead); err != nil {
		s.logger.Error("dead-letter publish failed, message dropped",
			"role", s.role,
			"reason", dead.Reason,
			"error", err,
			"correlationId", env.CorrelationID)
	}

	s.nack(d, false)
	s.logger.Warn("message dead-lettered",
		"role", s.role,
		"reason", dead.Reason,
		"retryCount", env.RetryCount,
		"error", outcome.Err(),
		"correlationId", env.CorrelationID)
}

// failureReason maps a role to the reason used when its retries exhaust.
func (s *Stage) failureReason() string {
	switch s.role {
	case RoleDecoder:
		return contracts.ReasonDecodeError
	case RoleValidator:
		return contracts.ReasonValidationFailed
	default:
		return contracts.ReasonProcessError
	}
}

func (s *Stage) ack(d Delivery) {
	if err := d.Ack(); err != nil {
		s.logger.Error("ack failed", "role", s.role, "error", err)
	}
}

func (s *Stage) nack(d Delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		s.logger.Error("nack failed", "role", s.role, "requeue", requeue, "error", err)
	}
}
