package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cadrelabs/cadre/internal/pricing"
)

func newTestManager(opts Options) *Manager {
	return NewManager(pricing.Empty(), zap.NewNop(), opts)
}

func TestRecordAggregatesTotals(t *testing.T) {
	m := newTestManager(Options{})
	m.OpenTask("t1", 0)

	m.Record("t1", Usage{AgentID: "a1", TotalTokens: 100, CostUSD: 0.01})
	m.Record("t1", Usage{AgentID: "a2", TotalTokens: 250, CostUSD: 0.02})

	totals := m.Totals("t1")
	assert.Equal(t, 350, totals.Tokens)
	assert.InDelta(t, 0.03, totals.CostUSD, 1e-9)
	assert.Equal(t, 2, totals.Executions)
	assert.Len(t, m.Records("t1"), 2)
}

func TestRecordDerivesCostFromPricing(t *testing.T) {
	m := newTestManager(Options{})
	m.OpenTask("t1", 0)

	m.Record("t1", Usage{AgentID: "a1", Model: "some-model", TotalTokens: 1000})

	totals := m.Totals("t1")
	assert.Greater(t, totals.CostUSD, 0.0)
}

func TestCheckUnlimitedBudget(t *testing.T) {
	m := newTestManager(Options{})
	m.OpenTask("t1", 0)

	res, err := m.Check("t1", 1_000_000)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.BackpressureActive)
}

func TestCheckDeniesExhaustedBudget(t *testing.T) {
	m := newTestManager(Options{})
	m.OpenTask("t1", 1000)
	m.Record("t1", Usage{AgentID: "a1", TotalTokens: 1000, CostUSD: 0.01})

	res, err := m.Check("t1", 100)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "token budget exhausted", res.Reason)
}

func TestCheckBackpressureRamp(t *testing.T) {
	m := newTestManager(Options{})
	m.OpenTask("t1", 1000)

	tests := []struct {
		name      string
		used      int
		estimated int
		active    bool
		minDelay  time.Duration
	}{
		{"below threshold", 100, 100, false, 0},
		{"at threshold", 750, 100, true, 50 * time.Millisecond},
		{"near limit", 900, 60, true, 1500 * time.Millisecond},
		{"over limit projection", 990, 100, true, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.mu.Lock()
			m.tasks["t1"].used = tt.used
			m.mu.Unlock()

			res, err := m.Check("t1", tt.estimated)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, tt.active, res.BackpressureActive)
			if tt.active {
				assert.GreaterOrEqual(t, res.BackpressureDelay, tt.minDelay)
			}
		})
	}
}

func TestCheckUnknownTaskAllows(t *testing.T) {
	m := newTestManager(Options{})
	res, err := m.Check("nope", 100)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestWaitHonorsCancellation(t *testing.T) {
	m := newTestManager(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Wait(ctx, CheckResult{BackpressureActive: true, BackpressureDelay: time.Minute})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitNoDelayReturnsImmediately(t *testing.T) {
	m := newTestManager(Options{})
	start := time.Now()
	require.NoError(t, m.Wait(context.Background(), CheckResult{}))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestCloseTaskReturnsFinalTotals(t *testing.T) {
	m := newTestManager(Options{})
	m.OpenTask("t1", 0)
	m.Record("t1", Usage{AgentID: "a1", TotalTokens: 42, CostUSD: 0.001})

	totals := m.CloseTask("t1")
	assert.Equal(t, 42, totals.Tokens)

	// closed tasks no longer track
	assert.Equal(t, Totals{}, m.Totals("t1"))
}

func TestWaitRateLimitSpacing(t *testing.T) {
	m := newTestManager(Options{})
	m.SetRateLimit("t1", 50, 1)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.WaitRateLimit(ctx, "t1"))
	}
	// 50/s with burst 1 means two waits of ~20ms after the first token
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitRateLimitUnconfigured(t *testing.T) {
	m := newTestManager(Options{})
	start := time.Now()
	require.NoError(t, m.WaitRateLimit(context.Background(), "t1"))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestConcurrentRecords(t *testing.T) {
	m := newTestManager(Options{})
	m.OpenTask("t1", 0)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Record("t1", Usage{AgentID: "a", TotalTokens: 1, CostUSD: 0.0001})
			}
		}()
	}
	wg.Wait()

	totals := m.Totals("t1")
	assert.Equal(t, 1000, totals.Tokens)
	assert.Equal(t, 1000, totals.Executions)
}
