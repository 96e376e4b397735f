package agents

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cadrelabs/cadre/internal/metrics"
)

// TransientError marks a failure as retryable. Executors wrap errors
// they expect to clear on their own (rate limits, transient upstream
// errors) so retry middleware can distinguish them from permanent ones.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying. Context
// cancellation and deadline expiry are never transient: the caller has
// already given up on this attempt window.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// RetryPolicy controls the retry middleware. MaximumAttempts counts the
// initial attempt, so 1 disables retries.
type RetryPolicy struct {
	MaximumAttempts    int
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
}

// DefaultRetryPolicy retries transient failures twice with a short
// exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaximumAttempts:    3,
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
	}
}

// RetryableExecutor retries transient failures of the wrapped executor.
// Permanent failures and results that carry their own failed status pass
// through untouched.
type RetryableExecutor struct {
	inner  Executor
	policy RetryPolicy
}

// WithRetry wraps exec with retry middleware. Zero-valued policy fields
// fall back to DefaultRetryPolicy.
func WithRetry(exec Executor, policy RetryPolicy) *RetryableExecutor {
	def := DefaultRetryPolicy()
	if policy.MaximumAttempts <= 0 {
		policy.MaximumAttempts = def.MaximumAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.BackoffCoefficient <= 1 {
		policy.BackoffCoefficient = def.BackoffCoefficient
	}
	if policy.MaximumInterval <= 0 {
		policy.MaximumInterval = def.MaximumInterval
	}
	return &RetryableExecutor{inner: exec, policy: policy}
}

func (r *RetryableExecutor) Execute(ctx context.Context, task Subtask, workflowContext map[string]interface{}) (Result, error) {
	var result Result

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.InitialInterval
	bo.Multiplier = r.policy.BackoffCoefficient
	bo.MaxInterval = r.policy.MaximumInterval
	bo.MaxElapsedTime = 0 // bounded by attempt count and ctx, not wall clock

	attempts := uint64(r.policy.MaximumAttempts - 1)
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx)

	attempt := 0
	op := func() error {
		attempt++
		res, err := r.inner.Execute(ctx, task, workflowContext)
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			metrics.AgentRetries.WithLabelValues(string(task.AgentType), "transient").Inc()
			return err
		}
		result = res
		return nil
	}

	// Retry unwraps backoff.Permanent, so callers see the original error.
	if err := backoff.Retry(op, policy); err != nil {
		return Result{}, err
	}
	if attempt > 1 {
		if result.Metadata == nil {
			result.Metadata = make(map[string]interface{})
		}
		result.Metadata["retry_attempts"] = attempt
	}
	return result, nil
}
