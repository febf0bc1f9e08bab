// Package reliability provides the failure-gating, health-monitoring, and
// degradation-control primitives for building resilient data-access clients.
// It combines a circuit breaker (FailureGate), a pluggable periodic health
// checker (HealthMonitor), and a mode controller (ModeController) that fuses
// both signals into a single operational posture the host application can
// consult before allowing reads, writes, or origin calls.
//
// All three components are process-local, own their timers and counters
// exclusively, and publish their state through replay-last subscriptions:
// a new subscriber immediately receives the current value, then subsequent
// updates in the order they occurred.
package reliability

import (
	"context"
)

// Operation is a guarded unit of work executed through a FailureGate or a
// Retrier. The gate does not inspect the returned error beyond classifying
// it as a success or failure; the error is always returned to the caller
// unchanged.
//
// Example:
//
//	value, err := reliability.Execute(ctx, gate, func(ctx context.Context) (string, error) {
//	    return client.Fetch(ctx, key)
//	})
type Operation[T any] func(ctx context.Context) (T, error)
