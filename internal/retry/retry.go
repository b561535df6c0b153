// Package retry decides whether a failed attempt is retried and after
// which delay.
package retry

import (
	"math"
	"time"

	"github.com/petrijr/durex/pkg/api"
)

// Decision is the outcome of evaluating a retry policy.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Reason explains a give-up decision; empty when Retry is true.
	Reason string
}

// GiveUp reasons.
const (
	ReasonNonRetryable = "non-retryable failure"
	ReasonExhausted    = "maximum attempts reached"
)

// NextDelay evaluates policy for the attempt (1-based) that just failed.
//
// Failures categorized NonRetryable, EngineFault or Cancelled, or listed in
// policy.NonRetryableErrors, are never retried. Otherwise the attempt is
// retried until MaximumAttempts (0 = unlimited) with delay
// min(initial * coefficient^(attempt-1), maximum).
func NextDelay(policy api.RetryPolicy, attempt int, failure *api.Failure) Decision {
	p := policy.WithDefaults()

	if failure != nil {
		switch failure.Category {
		case api.CategoryNonRetryable, api.CategoryEngineFault, api.CategoryCancelled:
			return Decision{Reason: ReasonNonRetryable}
		}
		if p.IsNonRetryable(failure) {
			return Decision{Reason: ReasonNonRetryable}
		}
	}
	if p.MaximumAttempts > 0 && attempt >= p.MaximumAttempts {
		return Decision{Reason: ReasonExhausted}
	}
	return Decision{Retry: true, Delay: Backoff(p, attempt)}
}

// Backoff returns the clamped exponential delay after the given attempt.
func Backoff(p api.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coeff := p.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}
	d := float64(p.InitialInterval) * math.Pow(coeff, float64(attempt-1))
	if p.MaximumInterval > 0 && d > float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	if d >= float64(math.MaxInt64) || math.IsInf(d, 0) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
