package api

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// RetryPolicy controls how failed activity attempts (and child workflow
// runs) are retried.
//
// MaximumAttempts includes the first attempt:
//
//	MaximumAttempts = 1 => no retries
//	MaximumAttempts = 3 => initial attempt + up to 2 retries
//	MaximumAttempts = 0 => retry until a non-retryable failure or cancellation
//
// The delay before retry n (1-based attempt that just failed) is
// InitialInterval * BackoffCoefficient^(n-1), clamped to MaximumInterval.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int

	// NonRetryableErrors lists failure categories (e.g. "Timeout") or
	// application error types (e.g. "PermanentError") that end retries.
	NonRetryableErrors []string
}

const (
	defaultInitialInterval    = time.Second
	defaultBackoffCoefficient = 2.0
	defaultMaxIntervalFactor  = 100
)

// DefaultRetryPolicy is used for activities scheduled without a policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{}.WithDefaults()
}

// NoRetry returns a policy that allows a single attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaximumAttempts: 1}.WithDefaults()
}

// WithDefaults fills zero fields: 1s initial interval, coefficient 2.0 and a
// maximum interval of 100x the initial interval.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.BackoffCoefficient == 0 {
		p.BackoffCoefficient = defaultBackoffCoefficient
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = p.InitialInterval * defaultMaxIntervalFactor
	}
	if p.NonRetryableErrors != nil {
		p.NonRetryableErrors = slices.Clone(p.NonRetryableErrors)
	}
	return p
}

// Validate reports configuration errors in an explicit policy.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.InitialInterval < 0 {
		errs = append(errs, errors.New("initial interval must not be negative"))
	}
	if p.BackoffCoefficient != 0 && p.BackoffCoefficient < 1 {
		errs = append(errs, fmt.Errorf("backoff coefficient %.2f must be >= 1.0", p.BackoffCoefficient))
	}
	if p.MaximumInterval < 0 {
		errs = append(errs, errors.New("maximum interval must not be negative"))
	}
	if p.MaximumInterval > 0 && p.InitialInterval > p.MaximumInterval {
		errs = append(errs, errors.New("maximum interval must be >= initial interval"))
	}
	if p.MaximumAttempts < 0 {
		errs = append(errs, errors.New("maximum attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// IsNonRetryable reports whether the failure's category or type is listed
// in NonRetryableErrors.
func (p RetryPolicy) IsNonRetryable(f *Failure) bool {
	if f == nil {
		return false
	}
	for _, s := range p.NonRetryableErrors {
		if s == string(f.Category) || (f.Type != "" && s == f.Type) {
			return true
		}
	}
	return false
}
