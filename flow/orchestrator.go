package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowline-io/flowline/internal/reliability"
)

// Mode selects which stages a process runs. ModeAll runs the whole
// pipeline in one process; single-stage modes assume the siblings run
// elsewhere against the same topology.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeDecoder   Mode = "decoder"
	ModeValidator Mode = "validator"
	ModeProcessor Mode = "processor"
)

// ParseMode converts a mode string from the process entry contract.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAll, ModeDecoder, ModeValidator, ModeProcessor:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("flow: unrecognized mode %q", s)
	}
}

// roles returns the stage roles a mode instantiates.
func (m Mode) roles() []Role {
	switch m {
	case ModeDecoder:
		return []Role{RoleDecoder}
	case ModeValidator:
		return []Role{RoleValidator}
	case ModeProcessor:
		return []Role{RoleProcessor}
	default:
		return []Role{RoleDecoder, RoleValidator, RoleProcessor}
	}
}

// Orchestrator composes stages against a shared topology, starts them
// concurrently and coordinates shutdown. Stages fail together: when one
// stage exhausts reconnection, all siblings are stopped, because a
// partially running pipeline is worse than a full stop.
type Orchestrator struct {
	gateway    Gateway
	logger     *slog.Logger
	maxRetries int
	backoff    reliability.RetryPolicy
	handlers   map[Role]Handler
}

// Option configures the Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMaxRetries bounds the per-message retry count for all stages
func WithMaxRetries(max int) Option {
	return func(o *Orchestrator) {
		o.maxRetries = max
	}
}

// WithBackoff sets the connect/reconnect backoff policy
func WithBackoff(policy reliability.RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.backoff = policy
	}
}

// WithHandler overrides the handler for a role
func WithHandler(role Role, handler Handler) Option {
	return func(o *Orchestrator) {
		o.handlers[role] = handler
	}
}

// NewOrchestrator creates an orchestrator over a broker gateway.
func NewOrchestrator(gateway Gateway, options ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:    gateway,
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		backoff:    reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 5),
		handlers:   make(map[Role]Handler),
	}

	for _, opt := range options {
		opt(o)
	}

	return o
}

// Handle controls a running pipeline.
type Handle struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	fatal  error
}

// Stop raises the cancellation signal for all owned stages. Each stage
// completes its in-flight delivery before exiting.
func (h *Handle) Stop() {
	h.cancel()
}

// Wait blocks until all stages have exited and returns the first fatal
// error, or nil after a clean stop.
func (h *Handle) Wait() error {
	h.wg.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatal
}

func (h *Handle) recordFatal(err error) {
	h.mu.Lock()
	if h.fatal == nil {
		h.fatal = err
	}
	h.mu.Unlock()
	h.cancel()
}

// Start connects with backoff, declares the topology once and starts the
// stages the mode selects. Topology declaration failure fails fast: no
// stage is started.
func (o *Orchestrator) Start(ctx context.Context, mode Mode, topology Topology) (*Handle, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}

	if err := reliability.Retry(ctx, o.backoff, func() error {
		return o.gateway.Connect(ctx)
	}); err != nil {
		return nil, fmt.Errorf("flow: connect: %w", err)
	}

	if err := o.gateway.DeclareTopology(ctx, topology); err != nil {
		return nil, fmt.Errorf("flow: declare topology: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel}

	roles := mode.roles()
	o.logger.Info("pipeline starting",
		"pipeline", topology.Pipeline,
		"mode", mode,
		"stages", len(roles))

	for _, role := range roles {
		handler, err := o.handlerFor(role)
		if err != nil {
			cancel()
			h.wg.Wait()
			return nil, err
		}

		h.wg.Add(1)
		go func(role Role, handler Handler) {
			defer h.wg.Done()
			if err := o.supervise(runCtx, topology, role, handler); err != nil {
				o.logger.Error("stage failed fatally, stopping pipeline",
					"role", role,
					"error", err)
				h.recordFatal(err)
			}
		}(role, handler)
	}

	return h, nil
}

// supervise runs one stage, restarting it with backoff when its loop
// fails. The backoff policy bounds restart attempts for every failure
// kind, connection loss and channel-level faults alike; once exhausted
// the error is fatal. It returns nil on clean cancellation.
func (o *Orchestrator) supervise(ctx context.Context, topology Topology, role Role, handler Handler) error {
	for attempt := 0; ; attempt++ {
		err := o.runStage(ctx, topology, role, handler)
		if ctx.Err() != nil || err == nil {
			return nil
		}

		retry, delay := o.backoff.ShouldRetry(attempt, err)
		if !retry {
			return fmt.Errorf("flow: stage %s: restart attempts exhausted: %w", role, err)
		}

		o.logger.Warn("stage loop failed, restarting",
			"role", role,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}

		if cerr := o.gateway.Connect(ctx); cerr != nil {
			// The next runStage fails too; the attempt bound above
			// covers persistent connection loss.
			o.logger.Warn("reconnect failed", "role", role, "error", cerr)
		}
	}
}

// runStage opens a channel, builds the stage and runs its loop. The
// channel is released on every exit path.
func (o *Orchestrator) runStage(ctx context.Context, topology Topology, role Role, handler Handler) error {
	ch, err := o.gateway.OpenChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	stage, err := NewStage(topology, role, ch, handler,
		WithStageLogger(o.logger),
		WithStageMaxRetries(o.maxRetries),
	)
	if err != nil {
		return err
	}

	return stage.Run(ctx)
}

// handlerFor returns the configured handler for a role, or the default
// variant.
func (o *Orchestrator) handlerFor(role Role) (Handler, error) {
	if h, ok := o.handlers[role]; ok {
		return h, nil
	}
	switch role {
	case RoleDecoder:
		return NewDecoder(WithDecoderLogger(o.logger)), nil
	case RoleValidator:
		return NewValidator(WithValidatorLogger(o.logger)), nil
	case RoleProcessor:
		return NewProcessor(WithProcessorLogger(o.logger)), nil
	default:
		return nil, fmt.Errorf("flow: no handler for role %s", role)
	}
}
