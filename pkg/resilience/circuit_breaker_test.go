package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/NikhilSetiya/recoverykit/pkg/errors"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*CircuitBreakerRegistry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewCircuitBreakerRegistry(WithRegistryLogger(quietLogger(t)), WithClock(clock.Now)), clock
}

func failing(calls *int32) func(context.Context) error {
	return func(ctx context.Context) error {
		atomic.AddInt32(calls, 1)
		return appErrors.NewUnavailableError("api", "503")
	}
}

func succeeding(calls *int32) func(context.Context) error {
	return func(ctx context.Context) error {
		atomic.AddInt32(calls, 1)
		return nil
	}
}

const testKey = "api:orders.internal"

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	var calls int32
	for i := 0; i < 3; i++ {
		err := registry.Execute(ctx, testKey, 3, time.Minute, failing(&calls))
		require.Error(t, err)
		assert.False(t, IsCircuitOpenError(err))
	}
	assert.Equal(t, StateOpen, registry.Status(testKey))

	err := registry.Execute(ctx, testKey, 3, time.Minute, failing(&calls))
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, testKey, openErr.Key)
	assert.Equal(t, StateOpen, openErr.State)
	assert.Equal(t, time.Minute, openErr.RetryAfter)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "open circuit must not invoke the operation")
	assert.Equal(t, appErrors.KindCircuitOpen, appErrors.Classify(err).Kind)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	var calls int32
	_ = registry.Execute(ctx, testKey, 3, time.Minute, failing(&calls))
	_ = registry.Execute(ctx, testKey, 3, time.Minute, failing(&calls))
	require.NoError(t, registry.Execute(ctx, testKey, 3, time.Minute, succeeding(&calls)))
	_ = registry.Execute(ctx, testKey, 3, time.Minute, failing(&calls))

	status, ok := registry.Describe(testKey)
	require.True(t, ok)
	assert.Equal(t, StateClosed, status.State)
	assert.Equal(t, 1, status.FailureCount)
	assert.False(t, status.LastSuccessTime.IsZero())
}

func TestCircuitBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	registry, clock := newTestRegistry(t)
	ctx := context.Background()

	var calls int32
	for i := 0; i < 3; i++ {
		_ = registry.Execute(ctx, testKey, 3, time.Minute, failing(&calls))
	}

	clock.Advance(59 * time.Second)
	assert.True(t, IsCircuitOpenError(registry.Execute(ctx, testKey, 3, time.Minute, succeeding(&calls))))

	clock.Advance(time.Second)
	assert.Equal(t, StateOpen, registry.Status(testKey), "status query never advances the state machine")

	require.NoError(t, registry.Execute(ctx, testKey, 3, time.Minute, succeeding(&calls)))
	status, _ := registry.Describe(testKey)
	assert.Equal(t, StateClosed, status.State)
	assert.Zero(t, status.FailureCount)
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	registry, clock := newTestRegistry(t)
	ctx := context.Background()

	var calls int32
	for i := 0; i < 3; i++ {
		_ = registry.Execute(ctx, testKey, 3, time.Minute, failing(&calls))
	}
	clock.Advance(time.Minute)

	err := registry.Execute(ctx, testKey, 3, time.Minute, failing(&calls))
	require.Error(t, err)
	assert.False(t, IsCircuitOpenError(err))

	status, _ := registry.Describe(testKey)
	assert.Equal(t, StateOpen, status.State)
	assert.GreaterOrEqual(t, status.FailureCount, 3)
	assert.Equal(t, clock.Now(), status.LastFailureTime)

	assert.True(t, IsCircuitOpenError(registry.Execute(ctx, testKey, 3, time.Minute, succeeding(&calls))))
}

func TestCircuitBreaker_SingleHalfOpenTrialUnderRace(t *testing.T) {
	registry, clock := newTestRegistry(t)
	ctx := context.Background()

	var calls int32
	for i := 0; i < 2; i++ {
		_ = registry.Execute(ctx, testKey, 2, time.Second, failing(&calls))
	}
	clock.Advance(time.Second)

	var trials int32
	release := make(chan struct{})
	trial := func(ctx context.Context) error {
		atomic.AddInt32(&trials, 1)
		<-release
		return nil
	}

	const callers = 16
	var wg sync.WaitGroup
	var rejected int32
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := registry.Execute(ctx, testKey, 2, time.Second, trial); IsCircuitOpenError(err) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	close(start)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&trials)+atomic.LoadInt32(&rejected) == callers
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&trials), "only one trial may be admitted")
	status, _ := registry.Describe(testKey)
	assert.True(t, status.TrialInFlight)

	close(release)
	wg.Wait()

	assert.Equal(t, int32(callers-1), atomic.LoadInt32(&rejected))
	assert.Equal(t, StateClosed, registry.Status(testKey))
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	registry, _ := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		err := registry.Execute(context.Background(), testKey, 2, time.Minute, func(ctx context.Context) error {
			return appErrors.NewAuthenticationError("bad credentials")
		})
		require.Error(t, err)
	}

	assert.Equal(t, StateClosed, registry.Status(testKey))
}

func TestCircuitBreaker_CancellationReleasesTrial(t *testing.T) {
	registry, clock := newTestRegistry(t)

	var calls int32
	_ = registry.Execute(context.Background(), testKey, 1, time.Second, failing(&calls))
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := registry.Execute(ctx, testKey, 1, time.Second, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	status, _ := registry.Describe(testKey)
	assert.Equal(t, StateHalfOpen, status.State)
	assert.False(t, status.TrialInFlight)

	require.NoError(t, registry.Execute(context.Background(), testKey, 1, time.Second, succeeding(&calls)))
	assert.Equal(t, StateClosed, registry.Status(testKey))
}

func TestCircuitBreaker_KeysAreIndependent(t *testing.T) {
	registry, _ := newTestRegistry(t)

	var calls int32
	_ = registry.Execute(context.Background(), "smtp:a", 1, time.Minute, failing(&calls))

	assert.Equal(t, StateOpen, registry.Status("smtp:a"))
	assert.Equal(t, StateClosed, registry.Status("smtp:b"))
	require.NoError(t, registry.Execute(context.Background(), "smtp:b", 1, time.Minute, succeeding(&calls)))
}

func TestCircuitBreaker_ConfigFixedAtFirstUse(t *testing.T) {
	registry, _ := newTestRegistry(t)

	var calls int32
	_ = registry.Execute(context.Background(), testKey, 5, time.Minute, failing(&calls))
	_ = registry.Execute(context.Background(), testKey, 1, time.Second, failing(&calls))

	status, _ := registry.Describe(testKey)
	assert.Equal(t, 5, status.FailureThreshold)
	assert.Equal(t, time.Minute, status.RecoveryTimeout)
	assert.Equal(t, StateClosed, status.State)
}

func TestCircuitBreaker_InvalidArguments(t *testing.T) {
	registry, _ := newTestRegistry(t)
	var calls int32

	assert.ErrorIs(t, registry.Execute(context.Background(), "", 1, time.Second, succeeding(&calls)), appErrors.ErrInvalidArgument)
	assert.ErrorIs(t, registry.Execute(context.Background(), testKey, 0, time.Second, succeeding(&calls)), appErrors.ErrInvalidArgument)
	assert.ErrorIs(t, registry.Execute(context.Background(), testKey, 1, 0, succeeding(&calls)), appErrors.ErrInvalidArgument)
	assert.Zero(t, calls)
	assert.Empty(t, registry.Snapshot())
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	registry, _ := newTestRegistry(t)

	assert.Panics(t, func() {
		_ = registry.Execute(context.Background(), testKey, 1, time.Minute, func(ctx context.Context) error {
			panic("operation bug")
		})
	})
	assert.Equal(t, StateOpen, registry.Status(testKey))
}

func TestCircuitBreaker_ObserversAndReset(t *testing.T) {
	registry, _ := newTestRegistry(t)

	var mu sync.Mutex
	var transitions []string
	registry.OnStateChange(func(key string, from, to CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+"->"+to.String())
	})
	registry.OnStateChange(func(string, CircuitState, CircuitState) { panic("observer bug") })

	var calls int32
	_ = registry.Execute(context.Background(), testKey, 1, time.Minute, failing(&calls))
	assert.True(t, registry.Reset(testKey))
	assert.False(t, registry.Reset("unknown"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, transitions)
	assert.Equal(t, StateClosed, registry.Status(testKey))
}

func TestExecuteWithCircuitBreaker_Generic(t *testing.T) {
	registry, _ := newTestRegistry(t)

	value, err := ExecuteWithCircuitBreaker(context.Background(), registry, testKey, 3, time.Minute, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, value)

	value, err = ExecuteWithCircuitBreaker(context.Background(), registry, testKey, 3, time.Minute, func(ctx context.Context) (int, error) {
		return 9, errors.New("boom")
	})
	assert.Error(t, err)
	assert.Zero(t, value)
}

func TestSnapshot_SortedByKey(t *testing.T) {
	registry, _ := newTestRegistry(t)
	var calls int32

	for _, key := range []string{"smtp:b", "api:a", "redis:c"} {
		require.NoError(t, registry.Execute(context.Background(), key, 1, time.Minute, succeeding(&calls)))
	}

	snapshot := registry.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "api:a", snapshot[0].Key)
	assert.Equal(t, "redis:c", snapshot[2].Key)
}

func TestCircuitState_Text(t *testing.T) {
	text, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "HALF_OPEN", string(text))
	assert.Equal(t, "UNKNOWN", CircuitState(9).String())

	var parsed CircuitState
	require.NoError(t, parsed.UnmarshalText([]byte("OPEN")))
	assert.Equal(t, StateOpen, parsed)
	assert.Error(t, parsed.UnmarshalText([]byte("AJAR")))
}
