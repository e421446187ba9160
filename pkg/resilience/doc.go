// Package resilience provides the retry, circuit breaker and fallback
// primitives the recovery strategies are built from.
//
// # Retry with Exponential Backoff
//
// A RetryPolicy is an immutable value validated at construction. The
// RetryExecutor invokes an operation up to MaxAttempts times, sleeping
// BaseDelay * BackoffMultiplier^(n-1) (capped at MaxDelay) between attempts
// and stopping early on errors the policy does not consider retryable.
//
//	policy := resilience.MustRetryPolicy(resilience.DefaultRetryConfig())
//	executor := resilience.NewRetryExecutor(resilience.WithLogger(logger))
//
//	body, err := resilience.Retry(ctx, executor, policy, func(ctx context.Context) ([]byte, error) {
//		return client.Fetch(ctx, url)
//	}, nil)
//
// # Circuit Breaker Registry
//
// The CircuitBreakerRegistry keeps one breaker per key, created on first use.
// After threshold consecutive failures the breaker opens and rejects calls
// with a *CircuitOpenError until the recovery timeout passes. Exactly one
// caller is then admitted as the half-open trial.
//
//	registry := resilience.NewCircuitBreakerRegistry(resilience.WithRegistryLogger(logger))
//	err := registry.Execute(ctx, "smtp:mail.example.com", 5, time.Minute, send)
//	state := registry.Status("smtp:mail.example.com")
//
// # Fallback
//
// The FallbackExecutor runs a degraded substitute when the primary fails
// and the predicate accepts the failure. When both fail the caller receives
// a *FallbackError that unwraps to both causes.
//
// # Error Alerting
//
// The AlertManager routes alerts to handlers with a per-source rate limit.
// CircuitObserver turns breaker transitions into alerts queued for the Run
// loop, and ErrorAlertGenerator does the same for exhausted recoveries.
package resilience
