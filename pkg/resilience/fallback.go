package resilience

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/metrics"
)

// FallbackPredicate decides whether a primary failure may be answered by the
// fallback. A nil predicate always allows it.
type FallbackPredicate func(err error) bool

// FallbackError is returned when the primary and the fallback both failed
type FallbackError struct {
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("primary failed: %v; fallback failed: %v", e.Primary, e.Fallback)
}

// Unwrap exposes both causes to errors.Is and errors.As
func (e *FallbackError) Unwrap() []error {
	return multierr.Errors(multierr.Append(e.Primary, e.Fallback))
}

// ErrorType classifies the error as recovery exhausted
func (e *FallbackError) ErrorType() errors.ErrorType {
	return errors.ErrorTypeRecoveryExhausted
}

// FallbackOption configures a FallbackExecutor
type FallbackOption func(*FallbackExecutor)

// WithFallbackLogger sets the executor logger
func WithFallbackLogger(logger *logging.Logger) FallbackOption {
	return func(f *FallbackExecutor) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFallbackMetrics sets the executor metrics
func WithFallbackMetrics(m *metrics.Metrics) FallbackOption {
	return func(f *FallbackExecutor) {
		f.metrics = m
	}
}

// FallbackExecutor runs a primary operation and, on an accepted failure, a
// degraded substitute.
type FallbackExecutor struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewFallbackExecutor creates a fallback executor
func NewFallbackExecutor(opts ...FallbackOption) *FallbackExecutor {
	f := &FallbackExecutor{logger: logging.GetLogger()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Execute runs primary. When it fails and shouldUseFallback accepts the error,
// fallback runs and its result stands. A declined failure is returned
// unmodified. When both fail the result is a *FallbackError carrying both.
// name labels the pair in logs and metrics.
func (f *FallbackExecutor) Execute(ctx context.Context, name string, primary, fallback func(context.Context) error, shouldUseFallback FallbackPredicate) error {
	primaryErr := primary(ctx)
	if primaryErr == nil {
		f.metrics.RecordFallback(name, "primary")
		return nil
	}

	if shouldUseFallback != nil && !shouldUseFallback(primaryErr) {
		f.metrics.RecordFallback(name, "declined")
		f.logger.Debug("Fallback declined for error",
			"name", name,
			"error", primaryErr,
		)
		return primaryErr
	}

	if err := ctx.Err(); err != nil {
		f.metrics.RecordFallback(name, "canceled")
		return &FallbackError{Primary: primaryErr, Fallback: err}
	}

	f.logger.Info("Primary operation failed, using fallback",
		"name", name,
		"error", primaryErr,
	)

	fallbackErr := fallback(ctx)
	if fallbackErr == nil {
		f.metrics.RecordFallback(name, "fallback")
		return nil
	}

	f.metrics.RecordFallback(name, "failed")
	f.logger.Warn("Fallback operation failed",
		"name", name,
		"primary_error", primaryErr,
		"fallback_error", fallbackErr,
	)
	return &FallbackError{Primary: primaryErr, Fallback: fallbackErr}
}

// WithFallback is Execute for operations that return a value
func WithFallback[T any](ctx context.Context, f *FallbackExecutor, name string, primary, fallback func(context.Context) (T, error), shouldUseFallback FallbackPredicate) (T, error) {
	var result T
	capture := func(op func(context.Context) (T, error)) func(context.Context) error {
		return func(ctx context.Context) error {
			value, err := op(ctx)
			if err != nil {
				return err
			}
			result = value
			return nil
		}
	}

	if err := f.Execute(ctx, name, capture(primary), capture(fallback), shouldUseFallback); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
