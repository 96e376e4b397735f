package agents

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedExecutor throttles calls to the wrapped executor with a
// token bucket. Useful when the backing model API enforces a requests
// per second ceiling across all agents.
type RateLimitedExecutor struct {
	inner   Executor
	limiter *rate.Limiter
}

// WithRateLimit wraps exec so at most rps executions per second start,
// with the given burst.
func WithRateLimit(exec Executor, rps float64, burst int) *RateLimitedExecutor {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedExecutor{
		inner:   exec,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimitedExecutor) Execute(ctx context.Context, task Subtask, workflowContext map[string]interface{}) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	return r.inner.Execute(ctx, task, workflowContext)
}
