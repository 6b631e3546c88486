// Package contracts provides the core types that flow through a flowline pipeline.
//
// This package defines:
//   - Envelope: the unit of data moving between stages
//   - Outcome: the closed set of results a stage handler can produce
//
// Contracts are broker-agnostic; the mapping to AMQP publishings and
// deliveries lives in the transport layer.
package contracts
