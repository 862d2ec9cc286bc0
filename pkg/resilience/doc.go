// Package resilience wraps calls to the telemetry platform so that a slow,
// rate-limited or unreachable upstream cannot stall a sync cycle.
//
// # Retry Policy
//
// RetryPolicy decides whether a failed attempt is retried and how long to
// wait. Delays grow exponentially from BaseDelay, are capped at MaxDelay
// and may be jittered. Only transient errors are retried.
//
//	policy, err := resilience.NewRetryPolicy(resilience.DefaultRetryConfig())
//	delay := policy.NextDelay(2)
//
// # Circuit Breaker
//
// CircuitBreaker stops calling an endpoint after FailureThreshold
// consecutive failures, rejects calls locally while Open, and lets a single
// trial call through once OpenTimeout has elapsed.
//
//	cb, err := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "telemetry",
//		FailureThreshold: 5,
//		SuccessThreshold: 2,
//		OpenTimeout:      time.Minute,
//	})
//
// # Invoker
//
// Invoker combines one breaker and one retry policy per logical endpoint.
// A breaker rejection fails fast and never consumes a retry.
//
//	inv := resilience.NewInvoker("telemetry", cb, policy)
//	records, err := inv.Invoke(ctx, func(ctx context.Context) (interface{}, error) {
//		return client.FetchRecords(ctx, target, since)
//	})
//
// # Alerting
//
// AlertManager routes alerts to handlers with a per-source rate limit.
// SyncAlertGenerator raises an alert for sync runs with failed targets and
// BreakerAlertHook raises one when a breaker opens.
//
//	am := resilience.NewAlertManager(resilience.DefaultAlertManagerConfig())
//	am.AddHandler(resilience.NewLoggingAlertHandler())
//	resilience.NewSyncAlertGenerator(am).HandleSyncRun(ctx, run)
package resilience
