package contracts

import (
	"time"

	"github.com/google/uuid"
)

// ContentTypeJSON is the content type for JSON-encoded payloads.
const ContentTypeJSON = "application/json"

// Envelope is the unit of data flowing through the pipeline. It is created
// at ingestion, mutated in place by each stage (payload re-encoded, routing
// key rewritten, retry count incremented on requeue) and discarded at
// terminal success or dead-lettering.
type Envelope struct {
	MessageID     string    `json:"messageId"`
	CorrelationID string    `json:"correlationId"`
	ContentType   string    `json:"contentType"`
	RoutingKey    string    `json:"routingKey"`
	RetryCount    int       `json:"retryCount"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       []byte    `json:"payload"`

	// Reason is set only on the dead-letter surface: it names the failure
	// that routed the message there.
	Reason string `json:"reason,omitempty"`
}

// NewEnvelope creates an envelope for a raw payload with a generated
// message ID and correlation ID and a zero retry count.
func NewEnvelope(payload []byte, contentType string) *Envelope {
	return &Envelope{
		MessageID:     uuid.New().String(),
		CorrelationID: uuid.New().String(),
		ContentType:   contentType,
		RetryCount:    0,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// IncrementRetry bumps the retry count. It is the only way the count moves,
// keeping it monotonically non-decreasing across the envelope's lifetime.
func (e *Envelope) IncrementRetry() {
	e.RetryCount++
}

// Copy returns a deep copy of the envelope. Stages republish copies so a
// broker redelivery of the original cannot observe later mutations.
func (e *Envelope) Copy() *Envelope {
	cp := *e
	cp.Payload = make([]byte, len(e.Payload))
	copy(cp.Payload, e.Payload)
	return &cp
}
