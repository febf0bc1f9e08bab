package reliability

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryStrategy defines the backoff strategy for retry operations.
type RetryStrategy string

const (
	// RetryStrategyExponential uses exponential backoff with jitter.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyConstant uses a constant delay between retries with jitter.
	RetryStrategyConstant RetryStrategy = "constant"

	// RetryStrategyFibonacci uses fibonacci backoff with jitter.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"
)

// CircuitConfig holds FailureGate configuration. The config is read at
// construction and never mutated for the lifetime of the gate.
type CircuitConfig struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that opens the circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in the
	// half-open state that closes the circuit.
	// Default: 2
	SuccessThreshold int

	// OpenDuration is how long the circuit stays open before the gate
	// automatically moves to half-open.
	// Default: 30 seconds
	OpenDuration time.Duration

	// HalfOpenMaxProbes is the maximum number of concurrently admitted
	// requests while half-open. Admission attempts beyond the cap are
	// rejected until an in-flight probe completes.
	// Default: 3
	HalfOpenMaxProbes int

	// Enabled toggles the gate. A disabled gate runs operations directly
	// and records nothing.
	// Default: true
	Enabled bool

	// Classifier decides whether an operation error counts as a circuit
	// failure. The default counts every non-nil error.
	Classifier FailureClassifier

	// OnStateChange is called whenever the gate changes state.
	OnStateChange func(name string, from, to CircuitState)

	// Logger for gate operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Validate rejects configurations the gate cannot run with.
func (c *CircuitConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("success threshold must be positive, got %d", c.SuccessThreshold)
	}
	if c.OpenDuration <= 0 {
		return fmt.Errorf("open duration must be positive, got %s", c.OpenDuration)
	}
	if c.HalfOpenMaxProbes <= 0 {
		return fmt.Errorf("half-open max probes must be positive, got %d", c.HalfOpenMaxProbes)
	}
	return nil
}

// DefaultCircuitConfig returns gate configuration with sensible defaults.
func DefaultCircuitConfig() *CircuitConfig {
	return &CircuitConfig{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenDuration:      30 * time.Second,
		HalfOpenMaxProbes: 3,
		Enabled:           true,
		Classifier:        DefaultFailureClassifier(),
		Logger:            slog.Default(),
	}
}

// CircuitOption is a functional option for configuring a FailureGate.
type CircuitOption func(*CircuitConfig)

// WithFailureThreshold sets how many consecutive failures open the circuit.
//
// Example:
//
//	reliability.WithFailureThreshold(3)
func WithFailureThreshold(n int) CircuitOption {
	return func(c *CircuitConfig) {
		c.FailureThreshold = n
	}
}

// WithSuccessThreshold sets how many consecutive half-open successes close
// the circuit.
func WithSuccessThreshold(n int) CircuitOption {
	return func(c *CircuitConfig) {
		c.SuccessThreshold = n
	}
}

// WithOpenDuration sets how long the circuit stays open before probing.
//
// Example:
//
//	reliability.WithOpenDuration(60 * time.Second)
func WithOpenDuration(d time.Duration) CircuitOption {
	return func(c *CircuitConfig) {
		c.OpenDuration = d
	}
}

// WithHalfOpenMaxProbes caps the number of concurrently admitted requests
// while the circuit is half-open.
func WithHalfOpenMaxProbes(n int) CircuitOption {
	return func(c *CircuitConfig) {
		c.HalfOpenMaxProbes = n
	}
}

// WithCircuitDisabled disables the gate entirely. Execute runs operations
// directly and RecordSuccess/RecordFailure become no-ops.
func WithCircuitDisabled() CircuitOption {
	return func(c *CircuitConfig) {
		c.Enabled = false
	}
}

// WithFailureClassifier sets a custom classifier deciding which errors
// count as circuit failures.
//
// Example:
//
//	reliability.WithFailureClassifier(reliability.NewHTTPStatusClassifier())
func WithFailureClassifier(classifier FailureClassifier) CircuitOption {
	return func(c *CircuitConfig) {
		c.Classifier = classifier
	}
}

// WithStateChangeHandler sets a callback invoked on every state change.
//
// Example:
//
//	reliability.WithStateChangeHandler(func(name string, from, to reliability.CircuitState) {
//	    log.Printf("gate %s: %s -> %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitState)) CircuitOption {
	return func(c *CircuitConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitLogger sets a custom logger for gate operations.
func WithCircuitLogger(logger *slog.Logger) CircuitOption {
	return func(c *CircuitConfig) {
		c.Logger = logger
	}
}

// HealthConfig holds HealthMonitor configuration.
type HealthConfig struct {
	// CheckInterval is the period between automatic check cycles once the
	// monitor is started.
	// Default: 30 seconds
	CheckInterval time.Duration

	// ProbeTimeout is the hard deadline applied to each probe. A probe
	// exceeding it is reported unhealthy and its eventual result discarded.
	// Default: 5 seconds
	ProbeTimeout time.Duration

	// Enabled toggles the monitor's periodic loop. A disabled monitor still
	// serves manual CheckAll/CheckOne calls but Start is a no-op.
	// Default: true
	Enabled bool

	// Version is an optional tag stamped onto every SystemHealth report.
	Version string

	// Logger for monitor operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Validate rejects configurations the monitor cannot run with.
func (c *HealthConfig) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive, got %s", c.CheckInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.ProbeTimeout)
	}
	return nil
}

// DefaultHealthConfig returns monitor configuration with sensible defaults.
func DefaultHealthConfig() *HealthConfig {
	return &HealthConfig{
		CheckInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Enabled:       true,
		Logger:        slog.Default(),
	}
}

// HealthOption is a functional option for configuring a HealthMonitor.
type HealthOption func(*HealthConfig)

// WithCheckInterval sets the period between automatic check cycles.
//
// Example:
//
//	reliability.WithCheckInterval(10 * time.Second)
func WithCheckInterval(d time.Duration) HealthOption {
	return func(c *HealthConfig) {
		c.CheckInterval = d
	}
}

// WithProbeTimeout sets the per-probe hard deadline.
func WithProbeTimeout(d time.Duration) HealthOption {
	return func(c *HealthConfig) {
		c.ProbeTimeout = d
	}
}

// WithHealthDisabled disables the periodic loop; Start becomes a no-op.
func WithHealthDisabled() HealthOption {
	return func(c *HealthConfig) {
		c.Enabled = false
	}
}

// WithVersion tags every SystemHealth report with a version string.
func WithVersion(version string) HealthOption {
	return func(c *HealthConfig) {
		c.Version = version
	}
}

// WithHealthLogger sets a custom logger for monitor operations.
func WithHealthLogger(logger *slog.Logger) HealthOption {
	return func(c *HealthConfig) {
		c.Logger = logger
	}
}

// DegradationConfig holds ModeController configuration.
type DegradationConfig struct {
	// Enabled toggles degradation handling. When disabled every transition
	// request is a no-op and the mode stays at DefaultMode.
	// Default: true
	Enabled bool

	// AutoDegradation controls whether circuit and health signals drive the
	// mode automatically through OnCircuitStateChanged/OnHealthChange.
	// Default: true
	AutoDegradation bool

	// DefaultMode is the initial operational mode.
	// Default: ModeNormal
	DefaultMode OperationalMode

	// FallbackMode is the mode entered on automatic degradation. Must be a
	// degraded mode.
	// Default: ModeCacheOnly
	FallbackMode OperationalMode

	// Cooldown is the minimum dwell time in a degraded mode before recovery
	// is permitted.
	// Default: 60 seconds
	Cooldown time.Duration

	// Logger for controller operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Validate rejects configurations the controller cannot run with.
func (c *DegradationConfig) Validate() error {
	if c.FallbackMode == ModeNormal {
		return errors.New("fallback mode must be a degraded mode")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative, got %s", c.Cooldown)
	}
	return nil
}

// DefaultDegradationConfig returns controller configuration with sensible
// defaults.
func DefaultDegradationConfig() *DegradationConfig {
	return &DegradationConfig{
		Enabled:         true,
		AutoDegradation: true,
		DefaultMode:     ModeNormal,
		FallbackMode:    ModeCacheOnly,
		Cooldown:        60 * time.Second,
		Logger:          slog.Default(),
	}
}

// DegradationOption is a functional option for configuring a ModeController.
type DegradationOption func(*modeControllerOptions)

// modeControllerOptions gathers config plus the optional injected signal
// sources, which are wiring rather than configuration values.
type modeControllerOptions struct {
	config       *DegradationConfig
	stateSource  StateSource
	healthSource HealthSource
}

// WithDegradationDisabled disables degradation handling entirely.
func WithDegradationDisabled() DegradationOption {
	return func(o *modeControllerOptions) {
		o.config.Enabled = false
	}
}

// WithAutoDegradation controls whether circuit/health signals drive the mode
// automatically.
//
// Example:
//
//	reliability.WithAutoDegradation(false) // manual Degrade/Recover only
func WithAutoDegradation(auto bool) DegradationOption {
	return func(o *modeControllerOptions) {
		o.config.AutoDegradation = auto
	}
}

// WithDefaultMode sets the initial operational mode.
func WithDefaultMode(mode OperationalMode) DegradationOption {
	return func(o *modeControllerOptions) {
		o.config.DefaultMode = mode
	}
}

// WithFallbackMode sets the mode entered on automatic degradation.
//
// Example:
//
//	reliability.WithFallbackMode(reliability.ModeReadOnly)
func WithFallbackMode(mode OperationalMode) DegradationOption {
	return func(o *modeControllerOptions) {
		o.config.FallbackMode = mode
	}
}

// WithCooldown sets the minimum dwell time before recovery is permitted.
func WithCooldown(d time.Duration) DegradationOption {
	return func(o *modeControllerOptions) {
		o.config.Cooldown = d
	}
}

// WithStateSource wires a circuit state feed (typically a *FailureGate) into
// the controller. The subscription is only made when AutoDegradation is on.
func WithStateSource(source StateSource) DegradationOption {
	return func(o *modeControllerOptions) {
		o.stateSource = source
	}
}

// WithHealthSource wires a health verdict feed (typically a *HealthMonitor)
// into the controller. The subscription is only made when AutoDegradation is
// on.
func WithHealthSource(source HealthSource) DegradationOption {
	return func(o *modeControllerOptions) {
		o.healthSource = source
	}
}

// WithModeLogger sets a custom logger for controller operations.
func WithModeLogger(logger *slog.Logger) DegradationOption {
	return func(o *modeControllerOptions) {
		o.config.Logger = logger
	}
}

// RetryConfig holds retry configuration options.
type RetryConfig struct {
	// Classifier determines which errors should trigger retries.
	// Default: HTTPStatusClassifier with standard retryable codes
	Classifier ErrorClassifier

	// Strategy defines the backoff strategy.
	// Default: RetryStrategyExponential
	Strategy RetryStrategy

	// InitialDelay is the delay before the first retry.
	// Default: 1 second
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier for the exponential strategy.
	// Default: 2.0
	Multiplier float64

	// MaxAttempts is the maximum number of attempts, including the initial
	// request.
	// Default: 3
	MaxAttempts int

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		Strategy:     RetryStrategyExponential,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Classifier:   DefaultErrorClassifier(),
		Logger:       slog.Default(),
	}
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts, including the initial
// one.
//
// Example:
//
//	reliability.WithMaxAttempts(5) // try up to 5 times total
func WithMaxAttempts(attempts int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxAttempts = attempts
	}
}

// WithExponentialBackoff configures exponential backoff with jitter.
//
// Example:
//
//	reliability.WithExponentialBackoff(time.Second, 30*time.Second)
//	// with the default multiplier 2.0: ~1s, ~2s, ~4s, ~8s, ... capped at 30s
func WithExponentialBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithConstantBackoff configures a constant delay between retries with
// jitter.
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.InitialDelay = delay
		c.MaxDelay = delay
	}
}

// WithFibonacciBackoff configures fibonacci backoff with jitter.
func WithFibonacciBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithMultiplier sets the backoff multiplier for the exponential strategy.
func WithMultiplier(multiplier float64) RetryOption {
	return func(c *RetryConfig) {
		c.Multiplier = multiplier
	}
}

// WithRetryClassifier sets a custom error classifier for retry decisions.
func WithRetryClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.Classifier = classifier
	}
}

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}
