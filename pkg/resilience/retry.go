package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/metrics"
)

// OnRetryFunc observes a failed attempt before the executor sleeps.
// It is best effort: panics are recovered and never change the outcome.
type OnRetryFunc func(attempt int, err error)

// Sleeper blocks for d or until ctx is done, whichever comes first
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the default Sleeper
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryExhaustedError is returned once every attempt of a policy failed
type RetryExhaustedError struct {
	Policy   string
	Attempts int
	Cause    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry policy %q exhausted after %d attempts: %v", e.Policy, e.Attempts, e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Cause
}

// ErrorType classifies the error as recovery exhausted
func (e *RetryExhaustedError) ErrorType() errors.ErrorType {
	return errors.ErrorTypeRecoveryExhausted
}

// ExecutorOption configures a RetryExecutor
type ExecutorOption func(*RetryExecutor)

// WithLogger sets the executor logger
func WithLogger(logger *logging.Logger) ExecutorOption {
	return func(e *RetryExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the executor metrics
func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *RetryExecutor) {
		e.metrics = m
	}
}

// WithSleeper replaces the backoff sleep, mainly for tests
func WithSleeper(sleep Sleeper) ExecutorOption {
	return func(e *RetryExecutor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// RetryExecutor runs operations under a RetryPolicy. It is stateless between
// calls and safe for concurrent use.
type RetryExecutor struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	sleep   Sleeper
}

// NewRetryExecutor creates a retry executor
func NewRetryExecutor(opts ...ExecutorOption) *RetryExecutor {
	e := &RetryExecutor{
		logger: logging.GetLogger(),
		sleep:  ContextSleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs operation until it succeeds, fails with a non-retryable error,
// or the policy's attempts are used up. Non-retryable errors are returned
// unmodified; exhaustion returns a *RetryExhaustedError wrapping the last failure.
func (e *RetryExecutor) Execute(ctx context.Context, policy RetryPolicy, operation func(context.Context) error, onRetry OnRetryFunc) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			e.metrics.RecordRetryAttempt(policy.Name(), "canceled")
			return abortError(err, lastErr)
		}

		err := operation(ctx)
		if err == nil {
			e.metrics.RecordRetryAttempt(policy.Name(), "success")
			if attempt > 1 {
				e.logger.Info("Operation succeeded after retry",
					"policy", policy.Name(),
					"attempt", attempt,
					"max_attempts", policy.MaxAttempts(),
				)
			}
			return nil
		}

		lastErr = err

		if ctx.Err() != nil {
			e.metrics.RecordRetryAttempt(policy.Name(), "canceled")
			return err
		}

		if !policy.IsRetryable(err) {
			e.metrics.RecordRetryAttempt(policy.Name(), "non_retryable")
			e.logger.Debug("Error is not retryable, stopping",
				"policy", policy.Name(),
				"error", err,
				"error_type", errors.Classify(err).Type,
				"attempt", attempt,
			)
			return err
		}

		if attempt == policy.MaxAttempts() {
			e.metrics.RecordRetryAttempt(policy.Name(), "exhausted")
			break
		}

		e.metrics.RecordRetryAttempt(policy.Name(), "retry")
		delay := policy.Delay(attempt)

		e.logger.Debug("Operation failed, retrying",
			"policy", policy.Name(),
			"error", err,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts(),
			"delay", delay.String(),
		)

		e.notify(onRetry, attempt, err)

		e.metrics.RecordRetryDelay(policy.Name(), delay)
		if err := e.sleep(ctx, delay); err != nil {
			return abortError(err, lastErr)
		}
	}

	e.logger.Warn("Operation failed after all retry attempts",
		"policy", policy.Name(),
		"error", lastErr,
		"attempts", policy.MaxAttempts(),
	)

	return &RetryExhaustedError{
		Policy:   policy.Name(),
		Attempts: policy.MaxAttempts(),
		Cause:    lastErr,
	}
}

func (e *RetryExecutor) notify(onRetry OnRetryFunc, attempt int, err error) {
	if onRetry == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordObserverPanic("retry")
			e.logger.Error("Retry observer panicked",
				"attempt", attempt,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()

	onRetry(attempt, err)
}

// abortError reports a cancellation while keeping the last failure visible
func abortError(ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
}

// Retry is Execute for operations that return a value
func Retry[T any](ctx context.Context, e *RetryExecutor, policy RetryPolicy, operation func(context.Context) (T, error), onRetry OnRetryFunc) (T, error) {
	var result T
	err := e.Execute(ctx, policy, func(ctx context.Context) error {
		value, err := operation(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	}, onRetry)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
