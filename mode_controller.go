package reliability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OperationalMode is a discrete, ordered operational posture restricting
// which operation classes the application may perform. Modes are totally
// ordered by severity:
// ModeNormal < ModeCacheOnly < ModeReadOnly < ModeOffline.
type OperationalMode int

const (
	// ModeNormal allows reads, writes, and origin calls.
	ModeNormal OperationalMode = iota

	// ModeCacheOnly allows only cached reads.
	ModeCacheOnly

	// ModeReadOnly allows reads, cached or origin, but no writes.
	ModeReadOnly

	// ModeOffline allows nothing.
	ModeOffline
)

// String returns the string representation of the mode.
func (m OperationalMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeCacheOnly:
		return "cache-only"
	case ModeReadOnly:
		return "read-only"
	case ModeOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the mode as its string form.
func (m OperationalMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes the mode from its string form.
func (m *OperationalMode) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "normal":
		*m = ModeNormal
	case "cache-only":
		*m = ModeCacheOnly
	case "read-only":
		*m = ModeReadOnly
	case "offline":
		*m = ModeOffline
	default:
		return fmt.Errorf("unknown operational mode %q", str)
	}
	return nil
}

// AllowsReads reports whether any reads are permitted in this mode.
func (m OperationalMode) AllowsReads() bool {
	return m != ModeOffline
}

// AllowsWrites reports whether writes are permitted in this mode.
func (m OperationalMode) AllowsWrites() bool {
	return m == ModeNormal
}

// AllowsOriginCalls reports whether calls to the origin backend are
// permitted in this mode. Cache-only mode serves cached reads exclusively.
func (m OperationalMode) AllowsOriginCalls() bool {
	return m == ModeNormal || m == ModeReadOnly
}

// IsDegraded reports whether the mode is anything other than normal.
func (m OperationalMode) IsDegraded() bool {
	return m != ModeNormal
}

// DegradationMetrics is an immutable snapshot of a controller's counters,
// timestamped at the moment it was taken.
type DegradationMetrics struct {
	// Mode is the operational mode at Timestamp.
	Mode OperationalMode `json:"mode"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	// DegradationCount is how many times the controller entered a more
	// degraded posture. Monotonic for the controller's lifetime.
	DegradationCount uint64 `json:"degradation_count"`

	// RecoveryCount is how many times the controller recovered towards
	// normal. Monotonic for the controller's lifetime.
	RecoveryCount uint64 `json:"recovery_count"`

	// LastModeChangeTime is when the mode last changed, if ever.
	LastModeChangeTime *time.Time `json:"last_mode_change_time,omitempty"`
}

// StateSource is the narrow feed of circuit state changes a ModeController
// can observe. *FailureGate implements it.
type StateSource interface {
	SubscribeStates(fn func(CircuitState)) func()
}

// HealthSource is the narrow feed of health verdicts a ModeController can
// observe. *HealthMonitor implements it.
type HealthSource interface {
	Subscribe(fn func(SystemHealth)) func()
}

// ModeController derives a single system-wide OperationalMode from
// independent reliability signals, applying a cooldown before automatic
// recovery to avoid flapping. The cooldown only gates recovery attempts; no
// internal timer ever forces a transition.
//
// Example:
//
//	controller, err := reliability.NewModeController(
//	    reliability.WithStateSource(gate),
//	    reliability.WithHealthSource(monitor),
//	    reliability.WithFallbackMode(reliability.ModeCacheOnly),
//	    reliability.WithCooldown(time.Minute),
//	)
//	if err != nil {
//	    return err
//	}
//	if controller.Mode().AllowsWrites() {
//	    // perform the write
//	}
type ModeController struct {
	config *DegradationConfig
	logger *slog.Logger

	mu               sync.Mutex
	mode             OperationalMode
	degradationCount uint64
	recoveryCount    uint64
	eventSeq         uint64
	lastModeChange   time.Time
	disposed         bool

	cancels []func()

	modes       *signal[OperationalMode]
	metricsFeed *signal[DegradationMetrics]
}

// modeEvent carries the notifications a transition produced, emitted after
// the controller's lock is released. The sequence number is assigned while
// the lock is still held, so racing emits cannot publish an older mode over
// a newer one.
type modeEvent struct {
	seq      uint64
	from, to OperationalMode
	metrics  DegradationMetrics
}

// NewModeController creates a controller with the given options. Signal
// sources supplied via WithStateSource/WithHealthSource are subscribed only
// when degradation handling and auto-degradation are both enabled. It fails
// if the resulting configuration is invalid.
func NewModeController(opts ...DegradationOption) (*ModeController, error) {
	options := &modeControllerOptions{config: DefaultDegradationConfig()}
	for _, opt := range opts {
		opt(options)
	}

	config := options.config
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid degradation config: %w", err)
	}

	c := &ModeController{
		config: config,
		logger: config.Logger,
		mode:   config.DefaultMode,
	}
	c.modes = newSeededSignal(c.mode, nil)
	c.metricsFeed = newSeededSignal(DegradationMetrics{Mode: c.mode, Timestamp: time.Now()}, nil)

	if config.Enabled && config.AutoDegradation {
		if options.stateSource != nil {
			c.cancels = append(c.cancels, options.stateSource.SubscribeStates(c.OnCircuitStateChanged))
		}
		if options.healthSource != nil {
			c.cancels = append(c.cancels, options.healthSource.Subscribe(func(sh SystemHealth) {
				c.OnHealthChange(sh.Status)
			}))
		}
	}

	return c, nil
}

// Degrade moves the controller to the given mode, counting the transition as
// a degradation. No-op if degradation handling is disabled or the mode is
// already current. Reports whether a transition happened.
func (c *ModeController) Degrade(mode OperationalMode) bool {
	if !c.config.Enabled {
		return false
	}

	c.mu.Lock()
	if c.disposed || mode == c.mode {
		c.mu.Unlock()
		return false
	}
	c.degradationCount++
	ev := c.transitionLocked(mode, time.Now())
	c.mu.Unlock()

	c.emit(ev)
	return true
}

// Recover returns the controller to normal mode, counting the transition as
// a recovery. No-op if not degraded or if the cooldown has not elapsed since
// the last mode change. Reports whether a transition happened.
func (c *ModeController) Recover() bool {
	return c.RecoverTo(ModeNormal)
}

// RecoverTo recovers to the given mode instead of normal, with the same
// degraded/cooldown gating as Recover. The target must be strictly less
// severe than the current mode; anything else is a no-op, so a recovery
// can never raise severity or inflate the recovery counter.
func (c *ModeController) RecoverTo(mode OperationalMode) bool {
	if !c.config.Enabled {
		return false
	}

	now := time.Now()
	c.mu.Lock()
	if c.disposed || c.mode == ModeNormal || mode >= c.mode {
		c.mu.Unlock()
		return false
	}
	if !c.canRecoverLocked(now) {
		remaining := c.config.Cooldown - now.Sub(c.lastModeChange)
		c.mu.Unlock()
		c.logger.Debug("recovery blocked by cooldown",
			"mode", c.Mode().String(),
			"remaining", remaining)
		return false
	}
	c.recoveryCount++
	ev := c.transitionLocked(mode, now)
	c.mu.Unlock()

	c.emit(ev)
	return true
}

// SetMode unconditionally moves the controller to the given mode, bypassing
// the fallback-mode policy and the cooldown. The transition is classified as
// a degradation or a recovery by whether it leaves or enters normal mode.
// Reports whether a transition happened.
func (c *ModeController) SetMode(mode OperationalMode) bool {
	if !c.config.Enabled {
		return false
	}

	c.mu.Lock()
	if c.disposed || mode == c.mode {
		c.mu.Unlock()
		return false
	}
	was := c.mode.IsDegraded()
	will := mode.IsDegraded()
	switch {
	case !was && will:
		c.degradationCount++
	case was && !will:
		c.recoveryCount++
	}
	ev := c.transitionLocked(mode, time.Now())
	c.mu.Unlock()

	c.emit(ev)
	return true
}

// transitionLocked records the new mode and its timestamp.
func (c *ModeController) transitionLocked(to OperationalMode, now time.Time) modeEvent {
	from := c.mode
	c.mode = to
	c.lastModeChange = now
	c.eventSeq++
	return modeEvent{seq: c.eventSeq, from: from, to: to, metrics: c.metricsLocked(now)}
}

// emit delivers the notifications produced by a transition. Runs outside the
// controller's lock.
func (c *ModeController) emit(ev modeEvent) {
	c.logger.Warn("operational mode changed",
		"from", ev.from.String(),
		"to", ev.to.String())
	c.modes.publishSeq(ev.seq, ev.to)
	c.metricsFeed.publishSeq(ev.seq, ev.metrics)
}

// OnCircuitStateChanged reacts to a FailureGate state change: an open
// circuit degrades to the fallback mode, a closed circuit attempts recovery,
// and half-open produces no transition. No-op unless degradation handling
// and auto-degradation are both enabled.
func (c *ModeController) OnCircuitStateChanged(state CircuitState) {
	if !c.config.Enabled || !c.config.AutoDegradation {
		return
	}

	switch state {
	case StateOpen:
		if !c.IsDegraded() {
			c.logger.Warn("circuit opened, entering fallback mode",
				"fallback", c.config.FallbackMode.String())
			c.Degrade(c.config.FallbackMode)
		}
	case StateClosed:
		// Recover gates on degraded state and cooldown itself.
		c.Recover()
	case StateHalfOpen:
		// Probing; wait for a definitive signal.
	}
}

// OnHealthChange reacts to a health verdict: unhealthy degrades to the
// fallback mode and healthy attempts recovery. A degraded verdict is
// deliberately ignored so borderline health cannot flap the mode. No-op
// unless degradation handling and auto-degradation are both enabled.
func (c *ModeController) OnHealthChange(status HealthStatus) {
	if !c.config.Enabled || !c.config.AutoDegradation {
		return
	}

	switch status {
	case StatusUnhealthy:
		if !c.IsDegraded() {
			c.logger.Warn("system unhealthy, entering fallback mode",
				"fallback", c.config.FallbackMode.String())
			c.Degrade(c.config.FallbackMode)
		}
	case StatusHealthy:
		c.Recover()
	case StatusDegraded:
		// Only the two extremes drive automatic transitions.
	}
}

// CanRecover reports whether a recovery attempt would be permitted now:
// true when not degraded, or when the cooldown has elapsed since the last
// mode change.
func (c *ModeController) CanRecover() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canRecoverLocked(time.Now())
}

func (c *ModeController) canRecoverLocked(now time.Time) bool {
	if c.mode == ModeNormal {
		return true
	}
	if c.lastModeChange.IsZero() {
		return true
	}
	return now.Sub(c.lastModeChange) >= c.config.Cooldown
}

// Mode returns the current operational mode.
func (c *ModeController) Mode() OperationalMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// IsDegraded reports whether the current mode is anything other than normal.
func (c *ModeController) IsDegraded() bool {
	return c.Mode().IsDegraded()
}

// Metrics returns an immutable snapshot of the controller's counters,
// timestamped at call time.
func (c *ModeController) Metrics() DegradationMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsLocked(time.Now())
}

func (c *ModeController) metricsLocked(now time.Time) DegradationMetrics {
	m := DegradationMetrics{
		Mode:             c.mode,
		Timestamp:        now,
		DegradationCount: c.degradationCount,
		RecoveryCount:    c.recoveryCount,
	}
	if !c.lastModeChange.IsZero() {
		t := c.lastModeChange
		m.LastModeChangeTime = &t
	}
	return m
}

// SubscribeModes registers fn for mode changes, replaying the current mode
// synchronously first. The returned cancel function removes the
// subscription.
func (c *ModeController) SubscribeModes(fn func(OperationalMode)) func() {
	return c.modes.subscribe(fn)
}

// SubscribeMetrics registers fn for metrics snapshots, replaying the most
// recent one synchronously first.
func (c *ModeController) SubscribeMetrics(fn func(DegradationMetrics)) func() {
	return c.metricsFeed.subscribe(fn)
}

// Close cancels the source subscriptions and drops all subscribers.
// Idempotent.
func (c *ModeController) Close() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.modes.close()
	c.metricsFeed.close()
}
