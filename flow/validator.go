package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowline-io/flowline/contracts"
)

// Violation is a validation rule failure. Violations are deterministic
// judgements about the message and are never retried, unlike rule
// evaluation errors.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("rule %s violated: %s", v.Rule, v.Detail)
}

// Violated builds a Violation for a rule.
func Violated(rule, format string, args ...interface{}) error {
	return &Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// IsViolation reports whether err is a rule violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Rule is one validation rule applied to a decoded payload. Apply returns
// nil on pass, a *Violation on failure, and any other error when the rule
// could not be evaluated (e.g. a dependency lookup failed).
type Rule interface {
	Name() string
	Apply(ctx context.Context, fields map[string]interface{}) error
}

type namedRule struct {
	name string
	fn   func(ctx context.Context, fields map[string]interface{}) error
}

func (r *namedRule) Name() string { return r.name }

func (r *namedRule) Apply(ctx context.Context, fields map[string]interface{}) error {
	return r.fn(ctx, fields)
}

// NewRule builds a Rule from a name and a function.
func NewRule(name string, fn func(ctx context.Context, fields map[string]interface{}) error) Rule {
	return &namedRule{name: name, fn: fn}
}

// TypePresent requires a non-empty type field.
func TypePresent() Rule {
	return NewRule("type-present", func(ctx context.Context, fields map[string]interface{}) error {
		if v, ok := fields["type"].(string); !ok || v == "" {
			return Violated("type-present", "type field missing or empty")
		}
		return nil
	})
}

// AmountPositive requires a numeric amount greater than zero.
func AmountPositive() Rule {
	return NewRule("amount-positive", func(ctx context.Context, fields map[string]interface{}) error {
		v, ok := fields["amount"]
		if !ok {
			return Violated("amount-positive", "amount field missing")
		}
		amount, ok := v.(float64)
		if !ok {
			return Violated("amount-positive", "amount is not numeric")
		}
		if amount <= 0 {
			return Violated("amount-positive", "amount %v is not positive", amount)
		}
		return nil
	})
}

// DefaultRules returns the rule set for the reference message shape.
func DefaultRules() []Rule {
	return []Rule{TypePresent(), AmountPositive()}
}

// Validator applies a rule set to decoded payloads. A violation
// dead-letters the message with the violated rule in the reason; a rule
// evaluation error requeues it.
type Validator struct {
	rules  []Rule
	logger *slog.Logger
}

// ValidatorOption configures the Validator
type ValidatorOption func(*Validator)

// WithRules sets the rule set
func WithRules(rules ...Rule) ValidatorOption {
	return func(v *Validator) {
		v.rules = rules
	}
}

// WithValidatorLogger sets the logger
func WithValidatorLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// NewValidator creates a validator handler with DefaultRules unless
// overridden.
func NewValidator(options ...ValidatorOption) *Validator {
	v := &Validator{
		rules:  DefaultRules(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// Handle implements Handler.
func (v *Validator) Handle(ctx context.Context, env *contracts.Envelope) contracts.Outcome {
	var fields map[string]interface{}
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		// Upstream guarantees a canonical payload; an undecodable one
		// here is a permanent fault, not a transient one.
		return contracts.DeadLetter(contracts.ReasonValidationFailed,
			fmt.Errorf("payload not decodable: %w", err))
	}

	for _, rule := range v.rules {
		err := rule.Apply(ctx, fields)
		if err == nil {
			continue
		}
		var violation *Violation
		if errors.As(err, &violation) {
			return contracts.DeadLetter(
				contracts.ReasonValidationFailed+": "+violation.Rule, err)
		}
		// Evaluation error: the rule itself failed, the message may
		// still be valid.
		return contracts.Retry(fmt.Errorf("rule %s evaluation: %w", rule.Name(), err))
	}

	env.RoutingKey = KeyValidPrefix + typeFromKey(env.RoutingKey, fields)

	v.logger.Debug("validated",
		"routingKey", env.RoutingKey,
		"correlationId", env.CorrelationID)

	return contracts.Forward(env)
}

// typeFromKey recovers the message type decided by the decoder from the
// routing key, falling back to the payload's type field.
func typeFromKey(routingKey string, fields map[string]interface{}) string {
	if rest, ok := strings.CutPrefix(routingKey, KeyDecodedPrefix); ok && rest != "" {
		return rest
	}
	return messageType(fields)
}
