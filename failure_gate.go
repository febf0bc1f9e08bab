package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the state of a FailureGate.
type CircuitState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitState = iota

	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form.
func (s CircuitState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the state from its string form.
func (s *CircuitState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "closed":
		*s = StateClosed
	case "half-open":
		*s = StateHalfOpen
	case "open":
		*s = StateOpen
	default:
		return fmt.Errorf("unknown circuit state %q", str)
	}
	return nil
}

// CircuitMetrics is an immutable snapshot of a gate's counters, timestamped
// at the moment it was taken. Each read yields a fresh copy.
type CircuitMetrics struct {
	// State is the gate's state at Timestamp.
	State CircuitState `json:"state"`

	// FailureCount is the number of consecutive failures in the current
	// state episode.
	FailureCount int `json:"failure_count"`

	// SuccessCount is the number of consecutive successes in the current
	// state episode.
	SuccessCount int `json:"success_count"`

	// TotalRequests counts every admission attempt, including rejected ones.
	TotalRequests uint64 `json:"total_requests"`

	// RejectedRequests counts admissions refused while the circuit was open.
	RejectedRequests uint64 `json:"rejected_requests"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	// LastFailureTime is when the most recent failure was recorded, if any.
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`

	// LastStateChangeTime is when the gate last changed state, if ever.
	LastStateChangeTime *time.Time `json:"last_state_change_time,omitempty"`
}

// FailureGate is a circuit breaker guarding one logical class of operations.
// It tracks consecutive failures and successes, rejects requests while open,
// and automatically moves to half-open after the configured open duration
// via a timer it owns.
//
// Example:
//
//	gate, err := reliability.NewFailureGate("origin",
//	    reliability.WithFailureThreshold(3),
//	    reliability.WithOpenDuration(30*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	value, err := reliability.Execute(ctx, gate, fetchFromOrigin)
type FailureGate struct {
	name       string
	config     *CircuitConfig
	logger     *slog.Logger
	classifier FailureClassifier

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	successCount     int
	totalRequests    uint64
	rejectedRequests uint64
	halfOpenInFlight int
	halfOpenEpoch    uint64
	eventSeq         uint64
	lastFailure      time.Time
	lastStateChange  time.Time
	openTimer        *time.Timer
	disposed         bool

	states      *signal[CircuitState]
	metricsFeed *signal[CircuitMetrics]
}

// gateEvent carries the notifications a mutation produced, emitted after the
// gate's lock is released so subscribers may call back into the gate. The
// sequence number is assigned while the lock is still held, so racing emits
// cannot publish an older state over a newer one.
type gateEvent struct {
	seq            uint64
	stateChanged   bool
	from, to       CircuitState
	publishMetrics bool
	metrics        CircuitMetrics
}

// NewFailureGate creates a gate with the given name and options. It fails if
// the resulting configuration is invalid.
func NewFailureGate(name string, opts ...CircuitOption) (*FailureGate, error) {
	config := DefaultCircuitConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Classifier == nil {
		config.Classifier = DefaultFailureClassifier()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit config: %w", err)
	}

	g := &FailureGate{
		name:       name,
		config:     config,
		logger:     config.Logger,
		classifier: config.Classifier,
		state:      StateClosed,
	}
	g.states = newSeededSignal(StateClosed, func(a, b CircuitState) bool { return a == b })
	g.metricsFeed = newSeededSignal(CircuitMetrics{State: StateClosed, Timestamp: time.Now()}, nil)
	return g, nil
}

// Name returns the gate's name.
func (g *FailureGate) Name() string { return g.name }

// Do executes op through the gate. A disabled gate runs op directly. While
// the circuit is open the request is rejected with a *CircuitOpenError;
// while half-open with the probe cap filled it is rejected with a
// *ProbeLimitError. Otherwise op runs and its outcome is recorded against
// the circuit; op's error is returned unchanged.
func (g *FailureGate) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if !g.config.Enabled {
		return op(ctx)
	}

	release, err := g.admit()
	if err != nil {
		return err
	}

	err = op(ctx)
	release(err)
	return err
}

// Execute runs op through the gate, returning its value. See FailureGate.Do
// for the admission semantics.
func Execute[T any](ctx context.Context, g *FailureGate, op Operation[T]) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// admit decides whether a request may proceed. On admission it returns a
// release callback that records the operation's outcome.
func (g *FailureGate) admit() (func(error), error) {
	now := time.Now()
	g.mu.Lock()
	g.totalRequests++

	switch g.state {
	case StateOpen:
		g.rejectedRequests++
		m := g.metricsLocked(now)
		seq := g.nextSeqLocked()
		g.mu.Unlock()
		g.metricsFeed.publishSeq(seq, m)
		g.logger.Warn("circuit open, request rejected",
			"name", g.name,
			"rejected_requests", m.RejectedRequests,
			"retry_after", g.config.OpenDuration)
		return nil, &CircuitOpenError{Gate: g.name, RetryAfter: g.config.OpenDuration, Metrics: m}

	case StateHalfOpen:
		if g.halfOpenInFlight >= g.config.HalfOpenMaxProbes {
			max := g.config.HalfOpenMaxProbes
			g.mu.Unlock()
			g.logger.Debug("half-open probe cap reached, request rejected",
				"name", g.name,
				"max_probes", max)
			return nil, &ProbeLimitError{Gate: g.name, MaxProbes: max}
		}
		g.halfOpenInFlight++
		epoch := g.halfOpenEpoch
		g.mu.Unlock()
		return func(opErr error) { g.release(opErr, epoch) }, nil
	}

	g.mu.Unlock()
	return func(opErr error) { g.release(opErr, 0) }, nil
}

// release records the outcome of an admitted operation. A non-zero epoch
// identifies the half-open episode the probe was admitted in, so a stale
// completion cannot decrement a later episode's in-flight count.
func (g *FailureGate) release(opErr error, epoch uint64) {
	failure := g.classifier.IsFailure(opErr)

	g.mu.Lock()
	if epoch != 0 && g.state == StateHalfOpen && g.halfOpenEpoch == epoch && g.halfOpenInFlight > 0 {
		g.halfOpenInFlight--
	}
	ev := g.recordLocked(failure, time.Now())
	g.mu.Unlock()
	g.emit(ev)
}

// RecordSuccess records a successful dispatch performed outside Execute/Do.
// No-op if the gate is disabled.
func (g *FailureGate) RecordSuccess() {
	if !g.config.Enabled {
		return
	}
	g.mu.Lock()
	g.totalRequests++
	ev := g.recordLocked(false, time.Now())
	g.mu.Unlock()
	g.emit(ev)
}

// RecordFailure records a failed dispatch performed outside Execute/Do.
// No-op if the gate is disabled.
func (g *FailureGate) RecordFailure() {
	if !g.config.Enabled {
		return
	}
	g.mu.Lock()
	g.totalRequests++
	ev := g.recordLocked(true, time.Now())
	g.mu.Unlock()
	g.emit(ev)
}

// recordLocked applies one success or failure to the state machine.
func (g *FailureGate) recordLocked(failure bool, now time.Time) gateEvent {
	if failure {
		g.lastFailure = now
		switch g.state {
		case StateClosed:
			g.failureCount++
			g.successCount = 0
			if g.failureCount >= g.config.FailureThreshold {
				return g.transitionLocked(StateOpen, now)
			}
		case StateHalfOpen:
			// Any failure while probing reopens, regardless of prior
			// successes in this episode.
			return g.transitionLocked(StateOpen, now)
		case StateOpen:
			// The open timer owns the exit; nothing to count.
		}
	} else {
		switch g.state {
		case StateClosed:
			g.successCount++
			g.failureCount = 0
		case StateHalfOpen:
			g.successCount++
			if g.successCount >= g.config.SuccessThreshold {
				return g.transitionLocked(StateClosed, now)
			}
		case StateOpen:
		}
	}
	return gateEvent{seq: g.nextSeqLocked(), publishMetrics: true, metrics: g.metricsLocked(now)}
}

// nextSeqLocked hands out the next event sequence number.
func (g *FailureGate) nextSeqLocked() uint64 {
	g.eventSeq++
	return g.eventSeq
}

// transitionLocked moves the gate to a new state, resetting the consecutive
// counters and re-arming or cancelling the open timer as needed.
func (g *FailureGate) transitionLocked(to CircuitState, now time.Time) gateEvent {
	from := g.state
	if from == to {
		return gateEvent{seq: g.nextSeqLocked(), publishMetrics: true, metrics: g.metricsLocked(now)}
	}

	g.state = to
	g.lastStateChange = now
	g.failureCount = 0
	g.successCount = 0
	g.stopTimerLocked()

	switch to {
	case StateOpen:
		g.openTimer = time.AfterFunc(g.config.OpenDuration, g.openExpired)
	case StateHalfOpen:
		g.halfOpenInFlight = 0
		g.halfOpenEpoch++
	}

	return gateEvent{
		seq:            g.nextSeqLocked(),
		stateChanged:   true,
		from:           from,
		to:             to,
		publishMetrics: true,
		metrics:        g.metricsLocked(now),
	}
}

// openExpired is the open timer callback moving the gate to half-open.
func (g *FailureGate) openExpired() {
	g.mu.Lock()
	if g.disposed || g.state != StateOpen {
		g.mu.Unlock()
		return
	}
	ev := g.transitionLocked(StateHalfOpen, time.Now())
	g.mu.Unlock()
	g.emit(ev)
}

func (g *FailureGate) stopTimerLocked() {
	if g.openTimer != nil {
		g.openTimer.Stop()
		g.openTimer = nil
	}
}

// emit delivers the notifications produced by a mutation. Runs outside the
// gate's lock.
func (g *FailureGate) emit(ev gateEvent) {
	if ev.stateChanged {
		g.logger.Warn("circuit state changed",
			"name", g.name,
			"from", ev.from.String(),
			"to", ev.to.String())
		if g.config.OnStateChange != nil {
			g.config.OnStateChange(g.name, ev.from, ev.to)
		}
		g.states.publishSeq(ev.seq, ev.to)
	}
	if ev.publishMetrics {
		g.metricsFeed.publishSeq(ev.seq, ev.metrics)
	}
}

// Reset unconditionally returns the gate to closed and clears all counters
// and timers.
func (g *FailureGate) Reset() {
	g.mu.Lock()
	from := g.state
	g.stopTimerLocked()
	g.state = StateClosed
	g.failureCount = 0
	g.successCount = 0
	g.totalRequests = 0
	g.rejectedRequests = 0
	g.halfOpenInFlight = 0
	g.lastFailure = time.Time{}
	g.lastStateChange = time.Time{}
	m := g.metricsLocked(time.Now())
	seq := g.nextSeqLocked()
	g.mu.Unlock()

	if from != StateClosed {
		g.logger.Warn("circuit state changed",
			"name", g.name,
			"from", from.String(),
			"to", StateClosed.String())
		if g.config.OnStateChange != nil {
			g.config.OnStateChange(g.name, from, StateClosed)
		}
	}
	g.states.publishSeq(seq, StateClosed)
	g.metricsFeed.publishSeq(seq, m)
}

// State returns the gate's current state.
func (g *FailureGate) State() CircuitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Metrics returns an immutable snapshot of the gate's counters, timestamped
// at call time.
func (g *FailureGate) Metrics() CircuitMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metricsLocked(time.Now())
}

func (g *FailureGate) metricsLocked(now time.Time) CircuitMetrics {
	m := CircuitMetrics{
		State:            g.state,
		FailureCount:     g.failureCount,
		SuccessCount:     g.successCount,
		TotalRequests:    g.totalRequests,
		RejectedRequests: g.rejectedRequests,
		Timestamp:        now,
	}
	if !g.lastFailure.IsZero() {
		t := g.lastFailure
		m.LastFailureTime = &t
	}
	if !g.lastStateChange.IsZero() {
		t := g.lastStateChange
		m.LastStateChangeTime = &t
	}
	return m
}

// SubscribeStates registers fn for state changes. The current state is
// delivered synchronously before SubscribeStates returns; afterwards fn only
// sees distinct changes, in the order they occurred. The returned cancel
// function removes the subscription.
func (g *FailureGate) SubscribeStates(fn func(CircuitState)) func() {
	return g.states.subscribe(fn)
}

// SubscribeMetrics registers fn for metrics snapshots, replaying the most
// recent one synchronously first.
func (g *FailureGate) SubscribeMetrics(fn func(CircuitMetrics)) func() {
	return g.metricsFeed.subscribe(fn)
}

// Close cancels the open timer and drops all subscribers. Idempotent.
func (g *FailureGate) Close() {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	g.stopTimerLocked()
	g.mu.Unlock()

	g.states.close()
	g.metricsFeed.close()
}
