// Package reliability provides the backoff policies behind the
// orchestrator's connect and reconnect loops.
package reliability
