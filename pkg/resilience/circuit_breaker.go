package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/metrics"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single trial request is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *CircuitState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", text)
	}
	return nil
}

// CircuitStatus is a point-in-time copy of one breaker
type CircuitStatus struct {
	Key              string        `json:"key"`
	State            CircuitState  `json:"state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	LastFailureTime  time.Time     `json:"last_failure_time,omitempty"`
	LastSuccessTime  time.Time     `json:"last_success_time,omitempty"`
	TrialInFlight    bool          `json:"trial_in_flight"`
}

// CircuitOpenError is returned when a call is rejected without being executed
type CircuitOpenError struct {
	Key        string
	State      CircuitState
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker '%s' is %s and its trial call is in flight", e.Key, e.State)
	}
	return fmt.Sprintf("circuit breaker '%s' is %s, retry after %s", e.Key, e.State, e.RetryAfter)
}

// ErrorType classifies the error as circuit open
func (e *CircuitOpenError) ErrorType() errors.ErrorType {
	return errors.ErrorTypeCircuitOpen
}

// IsCircuitOpenError checks if an error is a circuit breaker rejection
func IsCircuitOpenError(err error) bool {
	return errors.IsType(err, errors.ErrorTypeCircuitOpen)
}

// StateChangeFunc observes breaker transitions. It runs outside the breaker
// lock and panics are recovered.
type StateChangeFunc func(key string, from, to CircuitState)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

// circuitBreaker is the per-key state machine. Every read-then-act sequence
// happens under mu.
type circuitBreaker struct {
	key       string
	threshold int
	timeout   time.Duration

	mu          sync.Mutex
	state       CircuitState
	generation  uint64
	failures    int
	lastFailure time.Time
	lastSuccess time.Time
	trial       bool
}

type transition struct {
	from, to CircuitState
	failures int
}

func (cb *circuitBreaker) beforeRequest(now time.Time) (uint64, *transition, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var changed *transition
	if cb.state == StateOpen {
		elapsed := now.Sub(cb.lastFailure)
		if elapsed < cb.timeout {
			return cb.generation, nil, &CircuitOpenError{Key: cb.key, State: StateOpen, RetryAfter: cb.timeout - elapsed}
		}
		changed = cb.setState(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.trial {
			return cb.generation, changed, &CircuitOpenError{Key: cb.key, State: StateHalfOpen}
		}
		cb.trial = true
	}

	return cb.generation, changed, nil
}

func (cb *circuitBreaker) afterRequest(before uint64, result outcome, now time.Time) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.generation != before {
		return nil
	}

	switch result {
	case outcomeIgnored:
		cb.trial = false
		return nil
	case outcomeSuccess:
		cb.failures = 0
		cb.lastSuccess = now
		cb.trial = false
		if cb.state == StateHalfOpen {
			return cb.setState(StateClosed)
		}
		return nil
	default:
		cb.failures++
		cb.lastFailure = now
		cb.trial = false
		if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
			return cb.setState(StateOpen)
		}
		return nil
	}
}

func (cb *circuitBreaker) setState(state CircuitState) *transition {
	if cb.state == state {
		return nil
	}

	prev := cb.state
	cb.state = state
	cb.generation++
	cb.trial = false

	return &transition{from: prev, to: state, failures: cb.failures}
}

func (cb *circuitBreaker) status() CircuitStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitStatus{
		Key:              cb.key,
		State:            cb.state,
		FailureCount:     cb.failures,
		FailureThreshold: cb.threshold,
		RecoveryTimeout:  cb.timeout,
		LastFailureTime:  cb.lastFailure,
		LastSuccessTime:  cb.lastSuccess,
		TrialInFlight:    cb.trial,
	}
}

// RegistryOption configures a CircuitBreakerRegistry
type RegistryOption func(*CircuitBreakerRegistry)

// WithRegistryLogger sets the registry logger
func WithRegistryLogger(logger *logging.Logger) RegistryOption {
	return func(r *CircuitBreakerRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryMetrics sets the registry metrics
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *CircuitBreakerRegistry) {
		r.metrics = m
	}
}

// WithClock overrides the registry clock, primarily for tests
func WithClock(now func() time.Time) RegistryOption {
	return func(r *CircuitBreakerRegistry) {
		if now != nil {
			r.now = now
		}
	}
}

// CircuitBreakerRegistry maps resource keys to breakers created on first use.
// Different keys never block each other; calls on one key are serialized only
// around state checks and updates, never around the operation itself.
type CircuitBreakerRegistry struct {
	mu        sync.RWMutex
	breakers  map[string]*circuitBreaker
	observers []StateChangeFunc

	now     func() time.Time
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewCircuitBreakerRegistry creates an empty registry
func NewCircuitBreakerRegistry(opts ...RegistryOption) *CircuitBreakerRegistry {
	r := &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		now:      time.Now,
		logger:   logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStateChange registers an observer for every breaker transition
func (r *CircuitBreakerRegistry) OnStateChange(fn StateChangeFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// breaker returns the breaker for key, creating it with the given settings on
// first use. Settings passed for an existing key are ignored.
func (r *CircuitBreakerRegistry) breaker(key string, threshold int, recoveryTimeout time.Duration) (*circuitBreaker, error) {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb, nil
	}

	if key == "" {
		return nil, fmt.Errorf("%w: circuit breaker key is required", errors.ErrInvalidArgument)
	}
	if threshold < 1 {
		return nil, fmt.Errorf("%w: failure threshold must be at least 1, got %d", errors.ErrInvalidArgument, threshold)
	}
	if recoveryTimeout <= 0 {
		return nil, fmt.Errorf("%w: recovery timeout must be positive", errors.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb, nil
	}

	cb = &circuitBreaker{
		key:       key,
		threshold: threshold,
		timeout:   recoveryTimeout,
		state:     StateClosed,
	}
	r.breakers[key] = cb
	return cb, nil
}

// Execute runs operation if the breaker for key admits it. Only transient
// and unclassified failures count toward the threshold; permanent errors
// prove the resource is reachable and count as success; cancellation
// releases a trial slot without a transition.
func (r *CircuitBreakerRegistry) Execute(ctx context.Context, key string, threshold int, recoveryTimeout time.Duration, operation func(context.Context) error) error {
	cb, err := r.breaker(key, threshold, recoveryTimeout)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	generation, changed, err := cb.beforeRequest(r.now())
	r.announce(key, changed)
	if err != nil {
		r.metrics.RecordCircuitRejection(key)
		r.logger.Debug("Circuit breaker rejected call", "circuit", key, "error", err)
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			r.announce(key, cb.afterRequest(generation, outcomeFailure, r.now()))
			panic(p)
		}
	}()

	err = operation(ctx)
	r.announce(key, cb.afterRequest(generation, r.judge(ctx, err), r.now()))
	return err
}

func (r *CircuitBreakerRegistry) judge(ctx context.Context, err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if ctx.Err() != nil {
		return outcomeIgnored
	}

	switch errors.Classify(err).Kind {
	case errors.KindPermanent:
		return outcomeSuccess
	case errors.KindCanceled, errors.KindCircuitOpen:
		return outcomeIgnored
	default:
		return outcomeFailure
	}
}

func (r *CircuitBreakerRegistry) announce(key string, t *transition) {
	if t == nil {
		return
	}

	r.metrics.RecordCircuitTransition(key, t.from.String(), t.to.String())
	r.logger.LogCircuitTransition(key, t.from.String(), t.to.String(), t.failures)

	r.mu.RLock()
	observers := make([]StateChangeFunc, len(r.observers))
	copy(observers, r.observers)
	r.mu.RUnlock()

	for _, fn := range observers {
		r.notify(fn, key, t)
	}
}

func (r *CircuitBreakerRegistry) notify(fn StateChangeFunc, key string, t *transition) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.RecordObserverPanic("circuit")
			r.logger.Error("Circuit state observer panicked", "circuit", key, "panic", fmt.Sprintf("%v", p))
		}
	}()
	fn(key, t.from, t.to)
}

// ExecuteWithCircuitBreaker is Execute for operations that return a value
func ExecuteWithCircuitBreaker[T any](ctx context.Context, r *CircuitBreakerRegistry, key string, threshold int, recoveryTimeout time.Duration, operation func(context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, key, threshold, recoveryTimeout, func(ctx context.Context) error {
		value, err := operation(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Status returns the recorded state for key without advancing it. An Open
// breaker whose recovery timeout elapsed stays Open here until a call
// arrives. Unknown keys report Closed.
func (r *CircuitBreakerRegistry) Status(key string) CircuitState {
	status, _ := r.Describe(key)
	return status.State
}

// Describe returns a copy of the breaker for key, and whether it exists
func (r *CircuitBreakerRegistry) Describe(key string) (CircuitStatus, bool) {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return CircuitStatus{Key: key, State: StateClosed}, false
	}
	return cb.status(), true
}

// Snapshot returns every breaker ordered by key
func (r *CircuitBreakerRegistry) Snapshot() []CircuitStatus {
	r.mu.RLock()
	breakers := make([]*circuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	statuses := make([]CircuitStatus, 0, len(breakers))
	for _, cb := range breakers {
		statuses = append(statuses, cb.status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Key < statuses[j].Key })
	return statuses
}

// Reset forces the breaker for key back to Closed. It reports whether the key exists.
func (r *CircuitBreakerRegistry) Reset(key string) bool {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	cb.mu.Lock()
	cb.failures = 0
	changed := cb.setState(StateClosed)
	cb.mu.Unlock()

	r.announce(key, changed)
	return true
}
