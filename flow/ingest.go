package flow

import (
	"context"

	"github.com/flowline-io/flowline/contracts"
)

// Ingest publishes a raw payload into the pipeline's fanout exchange with
// a fresh envelope: generated correlation ID, zero retry count, the
// ingestion routing key. It returns the envelope so producers can record
// the correlation ID for tracing.
func Ingest(ctx context.Context, pub Publisher, t Topology, payload []byte, contentType string) (*contracts.Envelope, error) {
	env := contracts.NewEnvelope(payload, contentType)
	env.RoutingKey = IngestKey

	if err := pub.Publish(ctx, t.FanoutExchange(), env.RoutingKey, env); err != nil {
		return nil, err
	}
	return env, nil
}
