package resilience

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
)

// RetryConfig holds the settings a RetryPolicy is built from
type RetryConfig struct {
	// Name labels the policy in logs and metrics
	Name string
	// MaxAttempts is the total number of attempts, including the first one
	MaxAttempts int
	// BaseDelay is the delay slept after the first failed attempt
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth. Zero means uncapped.
	MaxDelay time.Duration
	// BackoffMultiplier grows the delay between consecutive attempts
	BackoffMultiplier float64
	// Jitter adds up to 10% randomness to each delay
	Jitter bool
	// RetryableTypes lists the error types worth another attempt.
	// An empty list retries everything except caller cancellation.
	RetryableTypes []errors.ErrorType
}

// RemoteCallTypes are the failures a remote endpoint may recover from on its own
var RemoteCallTypes = []errors.ErrorType{
	errors.ErrorTypeTimeout,
	errors.ErrorTypeConnection,
	errors.ErrorTypeUnavailable,
	errors.ErrorTypeRateLimit,
	errors.ErrorTypeExternal,
}

// SurfaceTypes are the failures fixed by refreshing an interactive surface
var SurfaceTypes = []errors.ErrorType{
	errors.ErrorTypeElementNotFound,
	errors.ErrorTypeStaleElement,
	errors.ErrorTypeTimeout,
}

// ProcessTypes are the failures fixed by relaunching the host process
var ProcessTypes = []errors.ErrorType{
	errors.ErrorTypeSessionLost,
	errors.ErrorTypeConnection,
	errors.ErrorTypeTimeout,
}

// DefaultRetryConfig returns a default remote-call retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Name:              "default",
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableTypes:    RemoteCallTypes,
	}
}

// RetryPolicy is an immutable, validated retry configuration
type RetryPolicy struct {
	name        string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	jitter      bool
	retryable   map[errors.ErrorType]struct{}
}

// NewRetryPolicy validates config and builds a policy
func NewRetryPolicy(config RetryConfig) (RetryPolicy, error) {
	if config.MaxAttempts < 1 {
		return RetryPolicy{}, fmt.Errorf("%w: max attempts must be at least 1, got %d", errors.ErrInvalidArgument, config.MaxAttempts)
	}
	if config.BaseDelay < 0 {
		return RetryPolicy{}, fmt.Errorf("%w: base delay must not be negative", errors.ErrInvalidArgument)
	}
	if config.MaxDelay < 0 {
		return RetryPolicy{}, fmt.Errorf("%w: max delay must not be negative", errors.ErrInvalidArgument)
	}
	if config.MaxAttempts > 1 && config.BackoffMultiplier <= 1.0 {
		return RetryPolicy{}, fmt.Errorf("%w: backoff multiplier must be greater than 1.0, got %v", errors.ErrInvalidArgument, config.BackoffMultiplier)
	}

	name := config.Name
	if name == "" {
		name = "default"
	}

	retryable := make(map[errors.ErrorType]struct{}, len(config.RetryableTypes))
	for _, t := range config.RetryableTypes {
		retryable[t] = struct{}{}
	}

	return RetryPolicy{
		name:        name,
		maxAttempts: config.MaxAttempts,
		baseDelay:   config.BaseDelay,
		maxDelay:    config.MaxDelay,
		multiplier:  config.BackoffMultiplier,
		jitter:      config.Jitter,
		retryable:   retryable,
	}, nil
}

// MustRetryPolicy is NewRetryPolicy for package-level presets; it panics on invalid config.
func MustRetryPolicy(config RetryConfig) RetryPolicy {
	policy, err := NewRetryPolicy(config)
	if err != nil {
		panic(err)
	}
	return policy
}

// Name returns the policy label
func (p RetryPolicy) Name() string { return p.name }

// MaxAttempts returns the total attempt budget
func (p RetryPolicy) MaxAttempts() int { return p.maxAttempts }

// BaseDelay returns the first backoff delay
func (p RetryPolicy) BaseDelay() time.Duration { return p.baseDelay }

// MaxDelay returns the delay cap, zero when uncapped
func (p RetryPolicy) MaxDelay() time.Duration { return p.maxDelay }

// WithName returns a copy of the policy under a different label
func (p RetryPolicy) WithName(name string) RetryPolicy {
	p.name = name
	return p
}

// Delay returns the backoff slept after the given failed attempt (1-based):
// min(base * multiplier^(attempt-1), max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.baseDelay == 0 {
		return 0
	}

	delay := float64(p.baseDelay) * math.Pow(p.multiplier, float64(attempt-1))
	if p.multiplier <= 1.0 {
		delay = float64(p.baseDelay)
	}

	if p.jitter {
		delay += rand.Float64() * 0.1 * delay
	}

	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		return p.maxDelay
	}
	if delay >= math.MaxInt64 || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// IsRetryable reports whether err is worth another attempt under this policy.
// Caller cancellation never is.
func (p RetryPolicy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	class := errors.Classify(err)
	if class.Kind == errors.KindCanceled {
		return false
	}
	if len(p.retryable) == 0 {
		return true
	}

	_, ok := p.retryable[class.Type]
	return ok
}
