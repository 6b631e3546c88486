// Package flow implements the flowline pipeline core: the stage
// consumption loop, the decoder, validator and processor roles, the
// topology definition and the orchestrator that runs stages together.
//
// Messages enter a fanout exchange, fan into a topic exchange and traverse
// decode, validate and process queues. Each stage consumes from one queue
// binding, handles one envelope at a time and resolves every delivery
// exactly once: forwarded downstream, acknowledged as terminal, requeued
// with a bumped retry count, or routed to the dead-letter surface.
//
// The broker is reached through the Gateway interface; the AMQP
// implementation lives in transports/rabbitmq, and tests run against
// in-memory fakes.
package flow
