package rabbitmq

import (
	"time"

	"github.com/flowline-io/flowline/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Envelope metadata carried in AMQP headers. The retry count travels as an
// explicit header because the broker's native requeue does not track
// attempt counts.
const (
	headerRetryCount = "x-retry-count"
	headerReason     = "x-deadletter-reason"
)

// toPublishing maps an envelope onto a persistent AMQP publishing.
func toPublishing(env *contracts.Envelope) amqp.Publishing {
	headers := amqp.Table{
		headerRetryCount: int64(env.RetryCount),
	}
	if env.Reason != "" {
		headers[headerReason] = env.Reason
	}

	return amqp.Publishing{
		ContentType:   env.ContentType,
		MessageId:     env.MessageID,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.Timestamp,
		DeliveryMode:  amqp.Persistent,
		Headers:       headers,
		Body:          env.Payload,
	}
}

// fromDelivery rebuilds an envelope from an AMQP delivery. Missing headers
// default rather than fail: a producer outside this framework may publish
// bare messages into the fanout exchange.
func fromDelivery(d amqp.Delivery) *contracts.Envelope {
	env := &contracts.Envelope{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ContentType:   d.ContentType,
		RoutingKey:    d.RoutingKey,
		RetryCount:    retryCount(d.Headers),
		Timestamp:     d.Timestamp,
		Payload:       d.Body,
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if reason, ok := d.Headers[headerReason].(string); ok {
		env.Reason = reason
	}
	return env
}

// retryCount reads the retry header, tolerating the integer widths AMQP
// clients use.
func retryCount(headers amqp.Table) int {
	v, ok := headers[headerRetryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int16:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
