package resilience

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/metrics"
)

func quietLogger(t testing.TB) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "debug", Format: "json", Output: "stdout", ServiceName: "test"})
	require.NoError(t, err)
	logger.SetOutput(io.Discard)
	return logger
}

// recordingSleeper captures requested delays without sleeping
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestExecutor(t *testing.T) (*RetryExecutor, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	return NewRetryExecutor(WithLogger(quietLogger(t)), WithSleeper(sleeper.Sleep)), sleeper
}

func testPolicy(t *testing.T, attempts int) RetryPolicy {
	t.Helper()
	policy, err := NewRetryPolicy(RetryConfig{
		Name:              "test",
		MaxAttempts:       attempts,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
		RetryableTypes:    RemoteCallTypes,
	})
	require.NoError(t, err)
	return policy
}

func TestNewRetryPolicy_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  RetryConfig
		wantErr bool
	}{
		{"valid", RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 2}, false},
		{"single attempt ignores multiplier", RetryConfig{MaxAttempts: 1}, false},
		{"zero base delay", RetryConfig{MaxAttempts: 3, BackoffMultiplier: 1.5}, false},
		{"zero attempts", RetryConfig{MaxAttempts: 0}, true},
		{"negative base delay", RetryConfig{MaxAttempts: 1, BaseDelay: -time.Second}, true},
		{"negative max delay", RetryConfig{MaxAttempts: 1, MaxDelay: -time.Second}, true},
		{"multiplier not growing", RetryConfig{MaxAttempts: 2, BackoffMultiplier: 1.0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRetryPolicy(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, appErrors.ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Panics(t, func() { MustRetryPolicy(RetryConfig{}) })
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := testPolicy(t, 6)

	var delays []time.Duration
	for attempt := 1; attempt < policy.MaxAttempts(); attempt++ {
		delays = append(delays, policy.Delay(attempt))
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1000 * time.Millisecond,
	}, delays)

	uncapped := MustRetryPolicy(RetryConfig{MaxAttempts: 40, BaseDelay: time.Second, BackoffMultiplier: 10})
	assert.Equal(t, time.Duration(1<<63-1), uncapped.Delay(39), "overflow saturates")

	jittered := MustRetryPolicy(RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, BackoffMultiplier: 2, Jitter: true})
	d := jittered.Delay(1)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.LessOrEqual(t, d, 1100*time.Millisecond)
}

func TestRetryPolicy_IsRetryable(t *testing.T) {
	remote := testPolicy(t, 3)
	assert.True(t, remote.IsRetryable(appErrors.NewTimeoutError("x")))
	assert.True(t, remote.IsRetryable(appErrors.NewConnectionError("host", "reset")))
	assert.False(t, remote.IsRetryable(appErrors.NewValidationError("x")))
	assert.False(t, remote.IsRetryable(errors.New("unclassified")))
	assert.False(t, remote.IsRetryable(nil))

	everything := MustRetryPolicy(RetryConfig{MaxAttempts: 1})
	assert.True(t, everything.IsRetryable(errors.New("unclassified")))
	assert.True(t, everything.IsRetryable(appErrors.NewValidationError("x")))
	assert.False(t, everything.IsRetryable(context.Canceled))
}

func TestRetryExecutor_PermanentFailureInvokedExactlyN(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		executor, sleeper := newTestExecutor(t)

		calls := 0
		cause := appErrors.NewTimeoutError("still down")
		err := executor.Execute(context.Background(), testPolicy(t, n), func(ctx context.Context) error {
			calls++
			return cause
		}, nil)

		assert.Equal(t, n, calls)
		assert.Len(t, sleeper.Delays(), n-1)

		var exhausted *RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, n, exhausted.Attempts)
		assert.Equal(t, "test", exhausted.Policy)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, appErrors.KindRecoveryExhausted, appErrors.Classify(err).Kind)
	}
}

func TestRetryExecutor_SingleAttemptNoDelay(t *testing.T) {
	executor, sleeper := newTestExecutor(t)

	calls := 0
	err := executor.Execute(context.Background(), testPolicy(t, 1), func(ctx context.Context) error {
		calls++
		return appErrors.NewTimeoutError("x")
	}, func(int, error) { t.Fatal("onRetry must not run for a single attempt") })

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.Delays())
}

func TestRetryExecutor_BackoffSequence(t *testing.T) {
	executor, sleeper := newTestExecutor(t)

	_ = executor.Execute(context.Background(), testPolicy(t, 6), func(ctx context.Context) error {
		return appErrors.NewUnavailableError("api", "503")
	}, nil)

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1000 * time.Millisecond,
	}, sleeper.Delays())
}

func TestRetryExecutor_SucceedsOnThirdAttempt(t *testing.T) {
	executor, _ := newTestExecutor(t)

	var retried []int
	calls := 0
	value, err := Retry(context.Background(), executor, testPolicy(t, 3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", appErrors.NewConnectionError("api", "reset")
		}
		return "ok", nil
	}, func(attempt int, err error) {
		retried = append(retried, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryExecutor_NonRetryableReturnedUnmodified(t *testing.T) {
	executor, sleeper := newTestExecutor(t)

	cause := appErrors.NewValidationError("recipient address is malformed")
	calls := 0
	err := executor.Execute(context.Background(), testPolicy(t, 5), func(ctx context.Context) error {
		calls++
		return cause
	}, nil)

	assert.Same(t, cause, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.Delays())
}

func TestRetryExecutor_ZeroBaseDelay(t *testing.T) {
	executor := NewRetryExecutor(WithLogger(quietLogger(t)))
	policy := MustRetryPolicy(RetryConfig{MaxAttempts: 4, BackoffMultiplier: 2})

	calls := 0
	start := time.Now()
	err := executor.Execute(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return errors.New("flaky")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryExecutor_CancellationDuringBackoff(t *testing.T) {
	executor := NewRetryExecutor(WithLogger(quietLogger(t)))
	policy := MustRetryPolicy(RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour, BackoffMultiplier: 2})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- executor.Execute(ctx, policy, func(ctx context.Context) error {
			calls++
			return appErrors.NewTimeoutError("slow")
		}, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Contains(t, err.Error(), "slow")
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not abort on cancellation")
	}
}

func TestRetryExecutor_CanceledBeforeStart(t *testing.T) {
	executor, _ := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := executor.Execute(ctx, testPolicy(t, 3), func(ctx context.Context) error {
		calls++
		return nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRetryExecutor_ObserverPanicDoesNotAbort(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true, Registry: registry})
	sleeper := &recordingSleeper{}
	executor := NewRetryExecutor(WithLogger(quietLogger(t)), WithMetrics(m), WithSleeper(sleeper.Sleep))

	calls := 0
	err := executor.Execute(context.Background(), testPolicy(t, 3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return appErrors.NewTimeoutError("x")
		}
		return nil
	}, func(int, error) { panic("observer bug") })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
