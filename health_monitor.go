package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HealthMonitor runs a registry of named probes on a schedule and publishes
// an aggregated SystemHealth verdict. Probe failures are local: a probe that
// panics or exceeds the per-probe timeout degrades its own component to
// unhealthy and never aborts the rest of the cycle.
//
// Example:
//
//	monitor, err := reliability.NewHealthMonitor(
//	    reliability.WithCheckInterval(15*time.Second),
//	    reliability.WithProbeTimeout(2*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	monitor.RegisterProbe(databaseProbe)
//	monitor.Start(ctx)
//	defer monitor.Stop()
type HealthMonitor struct {
	config *HealthConfig
	logger *slog.Logger

	mu      sync.Mutex
	probes  map[string]Probe
	order   []string
	running bool
	stop    chan struct{}
	done    chan struct{}

	healthFeed *signal[SystemHealth]
}

// NewHealthMonitor creates a monitor with the given options. It fails if the
// resulting configuration is invalid.
func NewHealthMonitor(opts ...HealthOption) (*HealthMonitor, error) {
	config := DefaultHealthConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid health config: %w", err)
	}

	return &HealthMonitor{
		config:     config,
		logger:     config.Logger,
		probes:     make(map[string]Probe),
		healthFeed: newSignal[SystemHealth](),
	}, nil
}

// RegisterProbe adds a probe to the registry. Registering a probe whose name
// is already present replaces it, keeping its position in the report order.
func (m *HealthMonitor) RegisterProbe(probe Probe) {
	name := probe.Name()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.probes[name]; !exists {
		m.order = append(m.order, name)
	}
	m.probes[name] = probe
}

// UnregisterProbe removes the named probe. Unknown names are ignored. The
// component stops appearing in subsequent SystemHealth reports.
func (m *HealthMonitor) UnregisterProbe(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.probes[name]; !exists {
		return
	}
	delete(m.probes, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// CheckAll runs every registered probe concurrently, each bounded by the
// configured probe timeout, aggregates the results into a fresh
// SystemHealth, publishes it, and returns it.
func (m *HealthMonitor) CheckAll(ctx context.Context) SystemHealth {
	m.mu.Lock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.Unlock()

	results := make([]ComponentHealth, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			results[i] = m.runProbe(ctx, p)
		}(i, probes[name])
	}
	wg.Wait()

	statuses := make([]HealthStatus, len(results))
	for i, r := range results {
		statuses[i] = r.Status
	}

	report := SystemHealth{
		Status:     Worst(statuses...),
		Components: results,
		CheckedAt:  time.Now(),
		Version:    m.config.Version,
	}

	if report.Status != StatusHealthy {
		m.logger.Warn("health check cycle completed",
			"status", report.Status.String(),
			"components", len(report.Components))
	} else {
		m.logger.Debug("health check cycle completed",
			"status", report.Status.String(),
			"components", len(report.Components))
	}

	m.healthFeed.publish(report)
	return report
}

// CheckOne runs a single probe with the same timeout wrapping as CheckAll.
// It returns nil if no probe with that name is registered.
func (m *HealthMonitor) CheckOne(ctx context.Context, name string) *ComponentHealth {
	m.mu.Lock()
	probe, ok := m.probes[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	result := m.runProbe(ctx, probe)
	return &result
}

// runProbe executes one probe under the configured deadline. A panic or a
// timeout both map to an unhealthy result with a synthesized message; the
// raw failure never propagates. A probe that ignores cancellation still
// yields a timeout result on time; its eventual completion is discarded.
func (m *HealthMonitor) runProbe(ctx context.Context, probe Probe) ComponentHealth {
	name := probe.Name()
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	// Buffered so a late completion can always deliver and let its
	// goroutine exit.
	resultCh := make(chan ComponentHealth, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- ComponentHealth{
					Name:    name,
					Status:  StatusUnhealthy,
					Message: fmt.Sprintf("probe panicked: %v", r),
				}
			}
		}()
		resultCh <- probe.Check(probeCtx)
	}()

	var result ComponentHealth
	select {
	case result = <-resultCh:
	case <-probeCtx.Done():
		m.logger.Warn("health probe timed out",
			"probe", name,
			"timeout", m.config.ProbeTimeout)
		result = ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("probe timed out after %s", m.config.ProbeTimeout),
		}
	}

	result.Name = name
	if result.CheckedAt.IsZero() {
		result.CheckedAt = start
	}
	if result.Latency == 0 {
		result.Latency = time.Since(start)
	}
	return result
}

// Start begins the periodic check loop, running an immediate cycle before
// the first interval elapses. No-op if already running or if the monitor is
// disabled. The loop stops when Stop is called or ctx is cancelled.
func (m *HealthMonitor) Start(ctx context.Context) {
	if !m.config.Enabled {
		return
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	m.logger.Debug("health monitor started", "interval", m.config.CheckInterval)

	go func() {
		defer close(done)
		m.CheckAll(ctx)
		ticker := time.NewTicker(m.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckAll(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic check loop and waits for it to exit. No-op if not
// running. Safe to call multiple times.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Debug("health monitor stopped")
}

// Health returns the most recently published verdict, if any cycle has run.
func (m *HealthMonitor) Health() (SystemHealth, bool) {
	return m.healthFeed.last()
}

// Subscribe registers fn for SystemHealth verdicts, replaying the most
// recent one synchronously first. The returned cancel function removes the
// subscription.
func (m *HealthMonitor) Subscribe(fn func(SystemHealth)) func() {
	return m.healthFeed.subscribe(fn)
}

// Close stops the periodic loop and drops all subscribers. Idempotent.
func (m *HealthMonitor) Close() {
	m.Stop()
	m.healthFeed.close()
}
