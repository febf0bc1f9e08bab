package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// HealthStatus represents the health of a single component or of the system
// as a whole. Statuses are totally ordered by severity:
// StatusHealthy < StatusDegraded < StatusUnhealthy.
type HealthStatus int

const (
	// StatusHealthy means the component is fully operational.
	StatusHealthy HealthStatus = iota

	// StatusDegraded means the component is impaired but still serving.
	StatusDegraded

	// StatusUnhealthy means the component cannot serve.
	StatusUnhealthy
)

// String returns the string representation of the health status.
func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as its string form.
func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the status from its string form.
func (s *HealthStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "healthy":
		*s = StatusHealthy
	case "degraded":
		*s = StatusDegraded
	case "unhealthy":
		*s = StatusUnhealthy
	default:
		return fmt.Errorf("unknown health status %q", str)
	}
	return nil
}

// Worst returns the most severe status in the set. An empty set is Healthy.
func Worst(statuses ...HealthStatus) HealthStatus {
	worst := StatusHealthy
	for _, s := range statuses {
		if s > worst {
			worst = s
		}
	}
	return worst
}

// ComponentHealth is the result of checking one named component. Results are
// created fresh on every probe cycle and never mutated afterwards.
type ComponentHealth struct {
	// Name is the unique name of the probed component.
	Name string `json:"name"`

	// Status is the component's health at CheckedAt.
	Status HealthStatus `json:"status"`

	// Message is an optional human-readable note, typically set when the
	// status is not healthy.
	Message string `json:"message,omitempty"`

	// CheckedAt is when the probe ran.
	CheckedAt time.Time `json:"checked_at"`

	// Latency is how long the probe took.
	Latency time.Duration `json:"latency,omitempty"`

	// Details carries optional probe-specific diagnostics.
	Details map[string]any `json:"details,omitempty"`
}

// SystemHealth is the aggregated verdict over all registered probes.
// Status is always the worst status among Components; an empty component
// list aggregates to StatusHealthy.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
	Version    string            `json:"version,omitempty"`
}

// Probe reports the health of one named component. Implementations are
// expected to catch their own errors and report StatusUnhealthy or
// StatusDegraded rather than panicking; the monitor maps a panic or a
// timeout to StatusUnhealthy either way.
type Probe interface {
	// Name returns the unique component name this probe reports on.
	Name() string

	// Check runs the probe. The context carries the monitor's per-probe
	// deadline; implementations should honor it.
	Check(ctx context.Context) ComponentHealth
}

// ProbeFunc adapts a function to the Probe interface.
//
// Example:
//
//	monitor.RegisterProbe(reliability.NewProbeFunc("cache", func(ctx context.Context) reliability.ComponentHealth {
//	    if err := cache.Ping(ctx); err != nil {
//	        return reliability.ComponentHealth{Status: reliability.StatusUnhealthy, Message: err.Error()}
//	    }
//	    return reliability.ComponentHealth{Status: reliability.StatusHealthy}
//	}))
type ProbeFunc struct {
	name string
	fn   func(ctx context.Context) ComponentHealth
}

// NewProbeFunc creates a Probe from a name and a check function.
func NewProbeFunc(name string, fn func(ctx context.Context) ComponentHealth) *ProbeFunc {
	return &ProbeFunc{name: name, fn: fn}
}

// Name implements Probe.
func (p *ProbeFunc) Name() string { return p.name }

// Check implements Probe.
func (p *ProbeFunc) Check(ctx context.Context) ComponentHealth { return p.fn(ctx) }
