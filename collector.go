package reliability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the reliability core's snapshots as Prometheus metrics.
// It reads on scrape; nothing is incremented in the hot path. Any of the
// observed components may be absent. Register it into the host's registry:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(reliability.NewCollector(
//	    reliability.ObserveGate(gate),
//	    reliability.ObserveMonitor(monitor),
//	    reliability.ObserveController(controller),
//	))
type Collector struct {
	gates      []*FailureGate
	monitor    *HealthMonitor
	controller *ModeController

	circuitState        *prometheus.Desc
	circuitRequests     *prometheus.Desc
	circuitRejected     *prometheus.Desc
	circuitFailures     *prometheus.Desc
	circuitSuccesses    *prometheus.Desc
	healthStatus        *prometheus.Desc
	componentHealth     *prometheus.Desc
	operationalMode     *prometheus.Desc
	degradationsCounter *prometheus.Desc
	recoveriesCounter   *prometheus.Desc
}

// CollectorOption attaches a component to a Collector.
type CollectorOption func(*Collector)

// ObserveGate adds a gate to the collector. May be used multiple times for
// multiple gates; series are labeled by gate name.
func ObserveGate(g *FailureGate) CollectorOption {
	return func(c *Collector) {
		c.gates = append(c.gates, g)
	}
}

// ObserveMonitor sets the health monitor to collect from.
func ObserveMonitor(m *HealthMonitor) CollectorOption {
	return func(c *Collector) {
		c.monitor = m
	}
}

// ObserveController sets the mode controller to collect from.
func ObserveController(mc *ModeController) CollectorOption {
	return func(c *Collector) {
		c.controller = mc
	}
}

// NewCollector creates a Collector over the supplied components.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		circuitState: prometheus.NewDesc(
			"reliability_circuit_state",
			"Current circuit state (0 closed, 1 half-open, 2 open).",
			[]string{"gate"}, nil),
		circuitRequests: prometheus.NewDesc(
			"reliability_circuit_requests_total",
			"Total admission attempts, including rejected ones.",
			[]string{"gate"}, nil),
		circuitRejected: prometheus.NewDesc(
			"reliability_circuit_rejected_total",
			"Requests rejected while the circuit was open.",
			[]string{"gate"}, nil),
		circuitFailures: prometheus.NewDesc(
			"reliability_circuit_consecutive_failures",
			"Consecutive failures in the current state episode.",
			[]string{"gate"}, nil),
		circuitSuccesses: prometheus.NewDesc(
			"reliability_circuit_consecutive_successes",
			"Consecutive successes in the current state episode.",
			[]string{"gate"}, nil),
		healthStatus: prometheus.NewDesc(
			"reliability_health_status",
			"Aggregated health status (0 healthy, 1 degraded, 2 unhealthy).",
			nil, nil),
		componentHealth: prometheus.NewDesc(
			"reliability_component_health_status",
			"Per-component health status (0 healthy, 1 degraded, 2 unhealthy).",
			[]string{"component"}, nil),
		operationalMode: prometheus.NewDesc(
			"reliability_operational_mode",
			"Current operational mode (0 normal, 1 cache-only, 2 read-only, 3 offline).",
			nil, nil),
		degradationsCounter: prometheus.NewDesc(
			"reliability_degradations_total",
			"Times the controller entered a more degraded posture.",
			nil, nil),
		recoveriesCounter: prometheus.NewDesc(
			"reliability_recoveries_total",
			"Times the controller recovered towards normal.",
			nil, nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.circuitState
	ch <- c.circuitRequests
	ch <- c.circuitRejected
	ch <- c.circuitFailures
	ch <- c.circuitSuccesses
	ch <- c.healthStatus
	ch <- c.componentHealth
	ch <- c.operationalMode
	ch <- c.degradationsCounter
	ch <- c.recoveriesCounter
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, g := range c.gates {
		m := g.Metrics()
		name := g.Name()
		ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue, float64(m.State), name)
		ch <- prometheus.MustNewConstMetric(c.circuitRequests, prometheus.CounterValue, float64(m.TotalRequests), name)
		ch <- prometheus.MustNewConstMetric(c.circuitRejected, prometheus.CounterValue, float64(m.RejectedRequests), name)
		ch <- prometheus.MustNewConstMetric(c.circuitFailures, prometheus.GaugeValue, float64(m.FailureCount), name)
		ch <- prometheus.MustNewConstMetric(c.circuitSuccesses, prometheus.GaugeValue, float64(m.SuccessCount), name)
	}

	if c.monitor != nil {
		if health, ok := c.monitor.Health(); ok {
			ch <- prometheus.MustNewConstMetric(c.healthStatus, prometheus.GaugeValue, float64(health.Status))
			for _, comp := range health.Components {
				ch <- prometheus.MustNewConstMetric(c.componentHealth, prometheus.GaugeValue, float64(comp.Status), comp.Name)
			}
		}
	}

	if c.controller != nil {
		m := c.controller.Metrics()
		ch <- prometheus.MustNewConstMetric(c.operationalMode, prometheus.GaugeValue, float64(m.Mode))
		ch <- prometheus.MustNewConstMetric(c.degradationsCounter, prometheus.CounterValue, float64(m.DegradationCount))
		ch <- prometheus.MustNewConstMetric(c.recoveriesCounter, prometheus.CounterValue, float64(m.RecoveryCount))
	}
}
