package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/flowline-io/flowline/contracts"
)

// Decoder parses raw payloads into the canonical internal representation
// and rewrites the routing key to reflect the decoded message type. Decode
// failures are never retried: the input is malformed, not transient.
type Decoder struct {
	logger *slog.Logger
}

// DecoderOption configures the Decoder
type DecoderOption func(*Decoder)

// WithDecoderLogger sets the logger
func WithDecoderLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// NewDecoder creates a decoder handler.
func NewDecoder(options ...DecoderOption) *Decoder {
	d := &Decoder{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Handle implements Handler.
func (d *Decoder) Handle(ctx context.Context, env *contracts.Envelope) contracts.Outcome {
	if env.ContentType != contracts.ContentTypeJSON {
		return contracts.DeadLetter(contracts.ReasonDecodeError,
			fmt.Errorf("unsupported content type %q", env.ContentType))
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return contracts.DeadLetter(contracts.ReasonDecodeError,
			fmt.Errorf("parse payload: %w", err))
	}

	msgType := messageType(fields)

	// Canonical re-encode so downstream stages see one representation
	// regardless of the producer's formatting.
	canonical, err := json.Marshal(fields)
	if err != nil {
		return contracts.DeadLetter(contracts.ReasonDecodeError,
			fmt.Errorf("re-encode payload: %w", err))
	}

	env.Payload = canonical
	env.RoutingKey = KeyDecodedPrefix + msgType

	d.logger.Debug("decoded",
		"type", msgType,
		"correlationId", env.CorrelationID)

	return contracts.Forward(env)
}

// messageType extracts the message type from the decoded fields. Messages
// without a usable type stay in the pipeline as "unknown" so the
// validator's rules get to judge them.
func messageType(fields map[string]interface{}) string {
	if v, ok := fields["type"].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
