package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/recoverykit/pkg/config"
	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/metrics"
	"github.com/NikhilSetiya/recoverykit/pkg/resilience"
	"github.com/NikhilSetiya/recoverykit/pkg/tracing"
)

// Recipe names, used in errors, logs, spans and metric labels
const (
	RecipeSurfaceRefresh = "surface_refresh"
	RecipeProcessRestart = "process_restart"
	RecipeRemoteRetry    = "remote_retry"
	RecipeComprehensive  = "comprehensive"
	RecipeFallback       = "fallback"
)

// Config holds the limits every recipe runs under
type Config struct {
	// Remote is the policy for remote-call retries. RetryableTypes defaults to
	// resilience.RemoteCallTypes when empty.
	Remote resilience.RetryConfig

	SurfaceMaxAttempts  int
	SurfaceRefreshDelay time.Duration

	RestartMaxAttempts int
	RestartDelay       time.Duration

	CircuitThreshold       int
	CircuitRecoveryTimeout time.Duration

	// CircuitFor overrides the breaker settings per resource key
	CircuitFor func(key string) (threshold int, recoveryTimeout time.Duration)
}

// DefaultConfig returns the default recipe limits
func DefaultConfig() Config {
	remote := resilience.DefaultRetryConfig()
	remote.Name = RecipeRemoteRetry
	remote.RetryableTypes = resilience.RemoteCallTypes

	return Config{
		Remote:                 remote,
		SurfaceMaxAttempts:     3,
		SurfaceRefreshDelay:    time.Second,
		RestartMaxAttempts:     2,
		RestartDelay:           2 * time.Second,
		CircuitThreshold:       5,
		CircuitRecoveryTimeout: 30 * time.Second,
	}
}

// ConfigFromSettings maps the application configuration onto recipe limits
func ConfigFromSettings(settings *config.Config) Config {
	return Config{
		Remote: resilience.RetryConfig{
			Name:              RecipeRemoteRetry,
			MaxAttempts:       settings.Retry.MaxAttempts,
			BaseDelay:         settings.Retry.BaseDelay,
			MaxDelay:          settings.Retry.MaxDelay,
			BackoffMultiplier: settings.Retry.BackoffMultiplier,
			Jitter:            settings.Retry.Jitter,
			RetryableTypes:    resilience.RemoteCallTypes,
		},
		SurfaceMaxAttempts:     settings.Surface.MaxAttempts,
		SurfaceRefreshDelay:    settings.Surface.RefreshDelay,
		RestartMaxAttempts:     settings.Restart.MaxAttempts,
		RestartDelay:           settings.Restart.RestartDelay,
		CircuitThreshold:       settings.Circuit.FailureThreshold,
		CircuitRecoveryTimeout: settings.Circuit.RecoveryTimeout,
		CircuitFor: func(key string) (int, time.Duration) {
			circuit := settings.CircuitFor(key)
			return circuit.FailureThreshold, circuit.RecoveryTimeout
		},
	}
}

// RecoveryError is the terminal error of a recipe. It names the recipe, the
// call site and how many times the operation ran, and wraps the last cause.
type RecoveryError struct {
	Recipe    string
	Delegated string
	TestName  string
	Component string
	Operation string
	Attempts  int
	Cause     error
}

func (e *RecoveryError) Error() string {
	recipe := e.Recipe
	if e.Delegated != "" {
		recipe = fmt.Sprintf("%s(%s)", e.Recipe, e.Delegated)
	}
	return fmt.Sprintf("%s recovery failed for test=%q component=%q operation=%q after %d attempt(s): %v",
		recipe, e.TestName, e.Component, e.Operation, e.Attempts, e.Cause)
}

func (e *RecoveryError) Unwrap() error {
	return e.Cause
}

// Option configures an ErrorRecoveryStrategy
type Option func(*ErrorRecoveryStrategy)

// WithLogger sets the strategy logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *ErrorRecoveryStrategy) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records recipe outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ErrorRecoveryStrategy) {
		s.metrics = m
	}
}

// WithTracer wraps every recipe run in a span
func WithTracer(tracer *tracing.TracingService) Option {
	return func(s *ErrorRecoveryStrategy) {
		s.tracer = tracer
	}
}

// WithAlerts raises an alert for every recipe that fails
func WithAlerts(alerts *resilience.ErrorAlertGenerator) Option {
	return func(s *ErrorRecoveryStrategy) {
		s.alerts = alerts
	}
}

// WithRegistry shares a circuit breaker registry with other components
func WithRegistry(registry *resilience.CircuitBreakerRegistry) Option {
	return func(s *ErrorRecoveryStrategy) {
		s.registry = registry
	}
}

// WithSleeper replaces the backoff sleep, primarily for tests
func WithSleeper(sleep resilience.Sleeper) Option {
	return func(s *ErrorRecoveryStrategy) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// ErrorRecoveryStrategy composes retry, circuit breaking and fallback into
// named recipes. One instance is meant to live for the whole process.
type ErrorRecoveryStrategy struct {
	config Config

	remotePolicy  resilience.RetryPolicy
	surfacePolicy resilience.RetryPolicy
	restartPolicy resilience.RetryPolicy

	executor *resilience.RetryExecutor
	registry *resilience.CircuitBreakerRegistry
	fallback *resilience.FallbackExecutor

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.TracingService
	alerts  *resilience.ErrorAlertGenerator
	sleep   resilience.Sleeper
}

// NewErrorRecoveryStrategy validates config and builds the recipe policies
func NewErrorRecoveryStrategy(cfg Config, opts ...Option) (*ErrorRecoveryStrategy, error) {
	s := &ErrorRecoveryStrategy{
		config: cfg,
		logger: logging.GetLogger(),
		sleep:  resilience.ContextSleep,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.CircuitThreshold < 1 {
		return nil, fmt.Errorf("%w: circuit threshold must be at least 1", errors.ErrInvalidArgument)
	}
	if cfg.CircuitRecoveryTimeout <= 0 {
		return nil, fmt.Errorf("%w: circuit recovery timeout must be positive", errors.ErrInvalidArgument)
	}

	remote := cfg.Remote
	if remote.Name == "" {
		remote.Name = RecipeRemoteRetry
	}
	if len(remote.RetryableTypes) == 0 {
		remote.RetryableTypes = resilience.RemoteCallTypes
	}

	var err error
	if s.remotePolicy, err = resilience.NewRetryPolicy(remote); err != nil {
		return nil, fmt.Errorf("remote retry policy: %w", err)
	}
	if s.surfacePolicy, err = resilience.NewRetryPolicy(steadyPolicy(RecipeSurfaceRefresh, cfg.SurfaceMaxAttempts, cfg.SurfaceRefreshDelay, resilience.SurfaceTypes)); err != nil {
		return nil, fmt.Errorf("surface refresh policy: %w", err)
	}
	restartTypes := append(append([]errors.ErrorType{}, resilience.ProcessTypes...), resilience.SurfaceTypes...)
	if s.restartPolicy, err = resilience.NewRetryPolicy(steadyPolicy(RecipeProcessRestart, cfg.RestartMaxAttempts, cfg.RestartDelay, restartTypes)); err != nil {
		return nil, fmt.Errorf("process restart policy: %w", err)
	}

	if s.registry == nil {
		s.registry = resilience.NewCircuitBreakerRegistry(
			resilience.WithRegistryLogger(s.logger),
			resilience.WithRegistryMetrics(s.metrics),
		)
	}
	s.executor = resilience.NewRetryExecutor(
		resilience.WithLogger(s.logger),
		resilience.WithMetrics(s.metrics),
		resilience.WithSleeper(s.sleep),
	)
	s.fallback = resilience.NewFallbackExecutor(
		resilience.WithFallbackLogger(s.logger),
		resilience.WithFallbackMetrics(s.metrics),
	)

	return s, nil
}

// steadyPolicy waits the same delay before every retry
func steadyPolicy(name string, attempts int, delay time.Duration, types []errors.ErrorType) resilience.RetryConfig {
	return resilience.RetryConfig{
		Name:              name,
		MaxAttempts:       attempts,
		BaseDelay:         delay,
		MaxDelay:          delay,
		BackoffMultiplier: 2,
		RetryableTypes:    types,
	}
}

// Registry returns the circuit breaker registry the recipes use
func (s *ErrorRecoveryStrategy) Registry() *resilience.CircuitBreakerRegistry {
	return s.registry
}

// CircuitStatus reports the breaker state for key without affecting it
func (s *ErrorRecoveryStrategy) CircuitStatus(key string) resilience.CircuitState {
	return s.registry.Status(key)
}

// CircuitSnapshot returns every breaker the strategy has created
func (s *ErrorRecoveryStrategy) CircuitSnapshot() []resilience.CircuitStatus {
	return s.registry.Snapshot()
}

func (s *ErrorRecoveryStrategy) circuitFor(key string) (int, time.Duration) {
	if s.config.CircuitFor != nil {
		if threshold, timeout := s.config.CircuitFor(key); threshold > 0 && timeout > 0 {
			return threshold, timeout
		}
	}
	return s.config.CircuitThreshold, s.config.CircuitRecoveryTimeout
}

// progress tracks what a recipe run did, for the terminal error
type progress struct {
	attempts  int
	delegated string
}

// run wraps a recipe body with its span, log events, metrics and alerts, and
// turns a failure into a *RecoveryError.
func run[T any](ctx context.Context, s *ErrorRecoveryStrategy, rc *ErrorRecoveryContext, recipe string, body func(context.Context, *progress) (T, error)) (T, error) {
	start := time.Now()

	if rc.TestName() != "" && logging.GetTestName(ctx) == "" {
		ctx = logging.WithTestName(ctx, rc.TestName())
	}
	ctx, span := s.tracer.StartRecoverySpan(ctx, recipe, rc.TestName(), rc.Component(), rc.Operation())
	defer span.End()

	s.logger.LogRecoveryEvent(ctx, "started", recipe, rc.TestName(), rc.Component(), rc.Operation(), rc.Fields())

	p := &progress{}
	value, err := body(ctx, p)
	duration := time.Since(start)

	span.SetAttributes(
		attribute.Int("recovery.attempts", p.attempts),
		attribute.String("recovery.delegated", p.delegated),
	)

	if err == nil {
		outcome := "succeeded"
		if p.attempts > 1 || p.delegated != "" {
			outcome = "recovered"
		}
		s.metrics.RecordRecovery(recipe, outcome, duration)
		s.logger.LogRecoveryEvent(ctx, outcome, recipe, rc.TestName(), rc.Component(), rc.Operation(), logrus.Fields{
			"attempts":    p.attempts,
			"delegated":   p.delegated,
			"duration_ms": duration.Milliseconds(),
		})
		return value, nil
	}

	recErr := &RecoveryError{
		Recipe:    recipe,
		Delegated: p.delegated,
		TestName:  rc.TestName(),
		Component: rc.Component(),
		Operation: rc.Operation(),
		Attempts:  p.attempts,
		Cause:     err,
	}
	s.tracer.RecordError(span, recErr)

	class := errors.Classify(err)
	outcome := "failed"
	if class.Kind == errors.KindCanceled {
		outcome = "canceled"
	}
	s.metrics.RecordRecovery(recipe, outcome, duration)
	s.logger.LogRecoveryEvent(ctx, outcome, recipe, rc.TestName(), rc.Component(), rc.Operation(), logrus.Fields{
		"attempts":    p.attempts,
		"delegated":   p.delegated,
		"error":       err.Error(),
		"error_kind":  class.Kind.String(),
		"duration_ms": duration.Milliseconds(),
	})

	if s.alerts != nil && outcome == "failed" {
		s.alerts.HandleError(ctx, recErr, "recovery."+recipe, map[string]interface{}{
			"test_name": rc.TestName(),
			"component": rc.Component(),
			"operation": rc.Operation(),
			"attempts":  p.attempts,
		})
	}

	var zero T
	return zero, recErr
}

// retryObserver logs every retry of a recipe and marks it on the recipe span
func (s *ErrorRecoveryStrategy) retryObserver(ctx context.Context, recipe string, rc *ErrorRecoveryContext) resilience.OnRetryFunc {
	span := oteltrace.SpanFromContext(ctx)
	return func(attempt int, err error) {
		kind := errors.Classify(err).Kind.String()
		s.tracer.AddSpanEvent(span, "retry",
			attribute.Int("recovery.attempt", attempt),
			attribute.String("error.kind", kind),
		)
		s.logger.LogRecoveryEvent(ctx, "retry", recipe, rc.TestName(), rc.Component(), rc.Operation(), logrus.Fields{
			"attempt":    attempt,
			"error":      err.Error(),
			"error_kind": kind,
		})
	}
}

// WithSurfaceRecovery runs operation and, on a surface failure, refreshes the
// surface before the next attempt. It requires the surface capability.
func WithSurfaceRecovery[T any](ctx context.Context, s *ErrorRecoveryStrategy, rc *ErrorRecoveryContext, operation func(context.Context) (T, error)) (T, error) {
	if err := rc.Require(RecipeSurfaceRefresh, CapabilitySurfaceRefresh); err != nil {
		var zero T
		return zero, err
	}
	return run(ctx, s, rc, RecipeSurfaceRefresh, func(ctx context.Context, p *progress) (T, error) {
		return surfaceLoop(ctx, s, rc, false, p, operation)
	})
}

// WithProcessRestart runs operation against the host's current surface and,
// on failure, restarts the host and retries against the fresh surface. It
// requires the process restart capability.
func WithProcessRestart[T any](ctx context.Context, s *ErrorRecoveryStrategy, rc *ErrorRecoveryContext, operation func(context.Context, Surface) (T, error)) (T, error) {
	if err := rc.Require(RecipeProcessRestart, CapabilityProcessRestart); err != nil {
		var zero T
		return zero, err
	}
	return run(ctx, s, rc, RecipeProcessRestart, func(ctx context.Context, p *progress) (T, error) {
		return restartLoop(ctx, s, rc, false, p, operation)
	})
}

// WithRemoteRetry retries operation on remote-call failures behind the
// circuit breaker of the context's remote resource. It requires the remote
// retry capability.
func WithRemoteRetry[T any](ctx context.Context, s *ErrorRecoveryStrategy, rc *ErrorRecoveryContext, operation func(context.Context) (T, error)) (T, error) {
	if err := rc.Require(RecipeRemoteRetry, CapabilityRemoteRetry); err != nil {
		var zero T
		return zero, err
	}
	return run(ctx, s, rc, RecipeRemoteRetry, func(ctx context.Context, p *progress) (T, error) {
		return remoteLoop(ctx, s, rc, p, operation)
	})
}

// WithComprehensiveRecovery runs operation once and, on failure, picks the
// single recipe matching the failure and the context's capabilities. The
// chosen recipe performs its recovery action first and then runs with its
// own attempt budget. Failures no recipe applies to are returned after the
// first attempt.
func WithComprehensiveRecovery[T any](ctx context.Context, s *ErrorRecoveryStrategy, rc *ErrorRecoveryContext, operation func(context.Context, Surface) (T, error)) (T, error) {
	if rc == nil || rc.Capabilities() == 0 {
		var zero T
		return zero, fmt.Errorf("%w: comprehensive recovery requires at least one capability", errors.ErrInvalidArgument)
	}

	return run(ctx, s, rc, RecipeComprehensive, func(ctx context.Context, p *progress) (T, error) {
		current := func(ctx context.Context) (T, error) {
			return operation(ctx, rc.Surface())
		}

		p.attempts++
		var value T
		var err error
		if key := rc.CircuitKey(); key != "" {
			threshold, timeout := s.circuitFor(key)
			value, err = resilience.ExecuteWithCircuitBreaker(ctx, s.registry, key, threshold, timeout, current)
		} else {
			value, err = current(ctx)
		}
		if err == nil {
			return value, nil
		}

		recipe := dispatch(rc, errors.Classify(err))
		if recipe == "" || ctx.Err() != nil {
			return value, err
		}

		p.delegated = recipe
		s.logger.LogRecoveryEvent(ctx, "delegated", RecipeComprehensive, rc.TestName(), rc.Component(), rc.Operation(), logrus.Fields{
			"delegated": recipe,
			"error":     err.Error(),
		})

		switch recipe {
		case RecipeSurfaceRefresh:
			return surfaceLoop(ctx, s, rc, true, p, current)
		case RecipeProcessRestart:
			return restartLoop(ctx, s, rc, true, p, operation)
		default:
			if sleepErr := s.sleep(ctx, s.remotePolicy.Delay(1)); sleepErr != nil {
				var zero T
				return zero, fmt.Errorf("%w (last error: %v)", sleepErr, err)
			}
			return remoteLoop(ctx, s, rc, p, current)
		}
	})
}

// WithFallbackRecovery runs primary, behind remote retry when the context
// has that capability, and falls back to fallback when shouldUseFallback
// accepts the failure. A nil predicate accepts every failure.
func WithFallbackRecovery[T any](ctx context.Context, s *ErrorRecoveryStrategy, rc *ErrorRecoveryContext, primary, fallback func(context.Context) (T, error), shouldUseFallback resilience.FallbackPredicate) (T, error) {
	if rc == nil {
		var zero T
		return zero, fmt.Errorf("%w: fallback recovery requires a recovery context", errors.ErrInvalidArgument)
	}

	name := rc.CircuitKey()
	if name == "" {
		name = rc.Operation()
	}
	if name == "" {
		name = RecipeFallback
	}

	return run(ctx, s, rc, RecipeFallback, func(ctx context.Context, p *progress) (T, error) {
		guarded := func(ctx context.Context) (T, error) {
			if rc.Has(CapabilityRemoteRetry) {
				return remoteLoop(ctx, s, rc, p, primary)
			}
			p.attempts++
			return primary(ctx)
		}
		degraded := func(ctx context.Context) (T, error) {
			p.attempts++
			p.delegated = "degraded"
			return tracing.Traced(ctx, s.tracer, "fallback.degraded", fallback)
		}
		return resilience.WithFallback(ctx, s.fallback, name, guarded, degraded, shouldUseFallback)
	})
}

// FallbackOnTransient accepts failures a degraded operation may get around:
// transient errors, open circuits and exhausted retries. Permanent errors
// and cancellation are declined.
func FallbackOnTransient(err error) bool {
	switch errors.Classify(err).Kind {
	case errors.KindTransient, errors.KindCircuitOpen, errors.KindRecoveryExhausted:
		return true
	default:
		return false
	}
}

// dispatchOrder lists, per error type, the recipes able to fix it by
// preference. Types not listed fall back to their domain.
var dispatchOrder = map[errors.ErrorType][]string{
	errors.ErrorTypeTimeout:    {RecipeRemoteRetry, RecipeSurfaceRefresh, RecipeProcessRestart},
	errors.ErrorTypeConnection: {RecipeRemoteRetry, RecipeProcessRestart},
}

var domainRecipe = map[errors.Domain]string{
	errors.DomainSurface: RecipeSurfaceRefresh,
	errors.DomainProcess: RecipeProcessRestart,
	errors.DomainRemote:  RecipeRemoteRetry,
}

var recipeCapability = map[string]Capability{
	RecipeSurfaceRefresh: CapabilitySurfaceRefresh,
	RecipeProcessRestart: CapabilityProcessRestart,
	RecipeRemoteRetry:    CapabilityRemoteRetry,
}

// dispatch picks the one recipe for a transient failure, or "" when none of
// the context's capabilities applies.
func dispatch(rc *ErrorRecoveryContext, class errors.Classification) string {
	if class.Kind != errors.KindTransient {
		return ""
	}

	candidates, ok := dispatchOrder[class.Type]
	if !ok {
		recipe, found := domainRecipe[class.Domain]
		if !found {
			return ""
		}
		candidates = []string{recipe}
	}

	for _, recipe := range candidates {
		if rc.Has(recipeCapability[recipe]) {
			return recipe
		}
	}
	return ""
}

func surfaceLoop[T any](ctx context.Context, s *ErrorRecoveryStrategy, rc *ErrorRecoveryContext, refreshFirst bool, p *progress, operation func(context.Context) (T, error)) (T, error) {
	first := true

	return resilience.Retry(ctx, s.executor, s.surfacePolicy, func(ctx context.Context) (T, error) {
		if !first || refreshFirst {
			if err := s.tracer.TraceableFunction(ctx, "surface.refresh", rc.Surface().Refresh); err != nil {
				var zero T
				return zero, fmt.Errorf("refresh surface: %w", err)
			}
			s.logger.Debug("Surface refreshed", "test_name", rc.TestName(), "operation", rc.Operation())
		}
		first = false
		p.attempts++
		return operation(ctx)
	}, s.retryObserver(ctx, RecipeSurfaceRefresh, rc))
}

func restartLoop[T any](ctx context.Context, s *ErrorRecoveryStrategy, rc *ErrorRecoveryContext, restartFirst bool, p *progress, operation func(context.Context, Surface) (T, error)) (T, error) {
	host := rc.Host()
	surface := host.Current()
	first := true

	return resilience.Retry(ctx, s.executor, s.restartPolicy, func(ctx context.Context) (T, error) {
		if !first || restartFirst {
			restartStart := time.Now()
			fresh, err := tracing.Traced(ctx, s.tracer, "host.restart", func(ctx context.Context) (Surface, error) {
				return host.Restart(ctx, rc.HostConfig())
			})
			if err != nil {
				var zero T
				return zero, fmt.Errorf("restart host %q: %w", rc.HostConfig().Name, err)
			}
			surface = fresh
			s.logger.WithDuration(time.Since(restartStart)).WithFields(logrus.Fields{
				"host":      rc.HostConfig().Name,
				"test_name": rc.TestName(),
				"operation": rc.Operation(),
			}).Info("Host process restarted")
		}
		first = false
		p.attempts++
		return operation(ctx, surface)
	}, s.retryObserver(ctx, RecipeProcessRestart, rc))
}

func remoteLoop[T any](ctx context.Context, s *ErrorRecoveryStrategy, rc *ErrorRecoveryContext, p *progress, operation func(context.Context) (T, error)) (T, error) {
	key := rc.CircuitKey()
	threshold, timeout := s.circuitFor(key)

	return resilience.Retry(ctx, s.executor, s.remotePolicy, func(ctx context.Context) (T, error) {
		p.attempts++
		ctx, span := s.tracer.StartCircuitSpan(ctx, key)
		defer span.End()

		value, err := resilience.ExecuteWithCircuitBreaker(ctx, s.registry, key, threshold, timeout, operation)
		if err != nil {
			s.tracer.RecordError(span, err)
		}
		return value, err
	}, s.retryObserver(ctx, RecipeRemoteRetry, rc))
}
