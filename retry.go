package durex

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with FlowBuilder.StepWithRetry, ActivityOptions and ChildSpec.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts, which includes
// the first attempt.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaximumAttempts: maxAttempts,
		},
	}
}

// RetryForever creates a RetryBuilder without an attempt limit. Retries end
// only on non-retryable failures or cancellation.
func RetryForever() RetryBuilder {
	return RetryBuilder{}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier >= 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, it defaults to 100x initial.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = initial
	p.MaximumInterval = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffCoefficient = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant delay between retries.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = delay
	p.MaximumInterval = delay
	p.BackoffCoefficient = 1.0
	return RetryBuilder{policy: p}
}

// Immediate retries after the smallest practical delay.
// Retries will still respect the attempt limit.
func (r RetryBuilder) Immediate() RetryBuilder {
	return r.WithConstantBackoff(time.Millisecond)
}

// NonRetryable ends retries for failures of the given categories (e.g.
// "Timeout") or application error types.
func (r RetryBuilder) NonRetryable(kinds ...string) RetryBuilder {
	p := r.policy
	p.NonRetryableErrors = append(append([]string(nil), p.NonRetryableErrors...), kinds...)
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy with defaults applied.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy.WithDefaults()
}

// Ptr returns the policy as a pointer, the form ActivityOptions.Retry and
// ChildSpec.Retry take.
func (r RetryBuilder) Ptr() *RetryPolicy {
	p := r.Policy()
	return &p
}
