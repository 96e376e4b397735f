package agents

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, task Subtask, wc map[string]interface{}) (Result, error) {
		return Result{
			AgentID: task.ID,
			Status:  StatusSuccess,
			Output:  "echo: " + task.Description,
		}, nil
	})
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry()
	reg.Register(TypeResearch, echoExecutor())
	reg.Register(TypeAnalysis, echoExecutor())

	tasks := []Subtask{
		{ID: "t1", AgentType: TypeResearch},
		{ID: "t2", AgentType: TypeAnalysis},
	}
	require.NoError(t, reg.Validate(tasks))

	tasks = append(tasks, Subtask{ID: "t3", AgentType: TypeCritic})
	err := reg.Validate(tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critic")
	assert.Contains(t, err.Error(), "t3")
}

func TestRegistryReplaceAndTypes(t *testing.T) {
	reg := NewRegistry()
	reg.Register(TypeWriter, echoExecutor())

	replaced := ExecutorFunc(func(ctx context.Context, task Subtask, wc map[string]interface{}) (Result, error) {
		return Result{AgentID: task.ID, Status: StatusSuccess, Output: "replaced"}, nil
	})
	reg.Register(TypeWriter, replaced)
	reg.Register(TypeDomain, echoExecutor())

	exec, ok := reg.Get(TypeWriter)
	require.True(t, ok)
	res, err := exec.Execute(context.Background(), Subtask{ID: "w"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "replaced", res.Output)

	assert.Equal(t, []AgentType{TypeDomain, TypeWriter}, reg.Types())
}

func TestIsTransient(t *testing.T) {
	base := errors.New("upstream 503")
	assert.False(t, IsTransient(base))
	assert.True(t, IsTransient(Transient(base)))
	assert.True(t, IsTransient(Transient(base)) && errors.Is(Transient(base), base))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(nil))
}

func TestRetryableExecutorRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	flaky := ExecutorFunc(func(ctx context.Context, task Subtask, wc map[string]interface{}) (Result, error) {
		if calls.Add(1) < 3 {
			return Result{}, Transient(errors.New("rate limited"))
		}
		return Result{AgentID: task.ID, Status: StatusSuccess, Output: "done"}, nil
	})

	exec := WithRetry(flaky, RetryPolicy{
		MaximumAttempts: 5,
		InitialInterval: time.Millisecond,
	})
	res, err := exec.Execute(context.Background(), Subtask{ID: "t1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 3, res.Metadata["retry_attempts"])
}

func TestRetryableExecutorStopsOnPermanent(t *testing.T) {
	var calls atomic.Int32
	broken := ExecutorFunc(func(ctx context.Context, task Subtask, wc map[string]interface{}) (Result, error) {
		calls.Add(1)
		return Result{}, errors.New("bad request")
	})

	exec := WithRetry(broken, RetryPolicy{MaximumAttempts: 5, InitialInterval: time.Millisecond})
	_, err := exec.Execute(context.Background(), Subtask{ID: "t1"}, nil)
	require.Error(t, err)
	assert.EqualError(t, err, "bad request")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryableExecutorExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	alwaysFlaky := ExecutorFunc(func(ctx context.Context, task Subtask, wc map[string]interface{}) (Result, error) {
		calls.Add(1)
		return Result{}, Transient(errors.New("still down"))
	})

	exec := WithRetry(alwaysFlaky, RetryPolicy{MaximumAttempts: 3, InitialInterval: time.Millisecond})
	_, err := exec.Execute(context.Background(), Subtask{ID: "t1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still down")
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryableExecutorHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	flaky := ExecutorFunc(func(ctx context.Context, task Subtask, wc map[string]interface{}) (Result, error) {
		calls.Add(1)
		cancel()
		return Result{}, Transient(errors.New("transient"))
	})

	exec := WithRetry(flaky, RetryPolicy{MaximumAttempts: 10, InitialInterval: 50 * time.Millisecond})
	_, err := exec.Execute(ctx, Subtask{ID: "t1"}, nil)
	require.Error(t, err)
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestRateLimitedExecutorSpacesCalls(t *testing.T) {
	exec := WithRateLimit(echoExecutor(), 50, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := exec.Execute(context.Background(), Subtask{ID: "t"}, nil)
		require.NoError(t, err)
	}
	// 3 calls at 50/s with burst 1 need at least ~40ms.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRateLimitedExecutorCancellation(t *testing.T) {
	exec := WithRateLimit(echoExecutor(), 0.1, 1)
	_, err := exec.Execute(context.Background(), Subtask{ID: "warm"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = exec.Execute(ctx, Subtask{ID: "blocked"}, nil)
	require.Error(t, err)
}

func TestResultHelpers(t *testing.T) {
	task := Subtask{ID: "s1", Description: "probe"}

	f := Failed(task, errors.New("boom"))
	assert.Equal(t, StatusFailed, f.Status)
	assert.Equal(t, "s1", f.AgentID)
	assert.False(t, f.OK())

	to := TimedOut(task)
	assert.Equal(t, StatusTimeout, to.Status)
	assert.Contains(t, to.Error, "s1")

	ok := Result{Status: StatusSuccess}
	assert.True(t, ok.OK())
}
