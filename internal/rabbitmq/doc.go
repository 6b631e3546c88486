// Package rabbitmq provides the AMQP mechanics underneath the flowline
// broker gateway.
//
// This package includes:
//   - ConnectionManager: connection lifecycle with close notification;
//     reconnection policy is owned by the caller, not retried here
//   - Topology declarations for exchanges, queues and bindings
//   - Typed errors for connection, topology, publish and consume failures
//
// Channels handed out by the ConnectionManager are exclusively owned by
// their caller; they are not safe for concurrent use and must never be
// shared across stages.
package rabbitmq
