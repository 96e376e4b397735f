// Package budget tracks token and cost usage per workflow and enforces
// optional token budgets with graduated backpressure.
package budget

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cadrelabs/cadre/internal/metrics"
	"github.com/cadrelabs/cadre/internal/pricing"
)

// ErrTokenOverflow indicates a token counter would overflow the int range.
var ErrTokenOverflow = errors.New("token count would overflow")

// Usage records one agent execution's token consumption.
type Usage struct {
	AgentID      string    `json:"agent_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// Totals is the aggregated consumption of one workflow.
type Totals struct {
	Tokens     int     `json:"tokens"`
	CostUSD    float64 `json:"cost_usd"`
	Executions int     `json:"executions"`
}

// CheckResult is the outcome of a pre-dispatch budget check.
type CheckResult struct {
	Allowed            bool          `json:"allowed"`
	Remaining          int           `json:"remaining"`
	UsagePercent       float64       `json:"usage_percent"`
	BackpressureActive bool          `json:"backpressure_active"`
	BackpressureDelay  time.Duration `json:"backpressure_delay_ms"`
	Pressure           string        `json:"pressure"` // low, medium, high, critical
	Reason             string        `json:"reason,omitempty"`
}

// Options tunes enforcement behavior.
type Options struct {
	// BackpressureThreshold activates dispatch delays at this fraction of
	// the budget (default 0.8).
	BackpressureThreshold float64
	// MaxBackpressureDelay caps the delay applied near the limit
	// (default 5s).
	MaxBackpressureDelay time.Duration
}

type taskUsage struct {
	budget  int // 0 means unlimited
	used    int
	costUSD float64
	records []Usage
}

// Manager tracks usage for active workflows.
//
// Mutex lock ordering (to prevent deadlocks):
//  1. mu - protects the tasks map
//  2. limiterMu - protects the limiters map
//
// Never acquire mu while holding limiterMu.
type Manager struct {
	logger  *zap.Logger
	pricing *pricing.Table

	mu    sync.RWMutex // Lock order: 1
	tasks map[string]*taskUsage

	limiterMu sync.RWMutex // Lock order: 2
	limiters  map[string]*rate.Limiter

	backpressureThreshold float64
	maxBackpressureDelay  time.Duration
}

// NewManager creates a budget manager. The pricing table is used to derive
// cost when a usage record does not carry one.
func NewManager(table *pricing.Table, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == nil {
		table = pricing.Empty()
	}
	m := &Manager{
		logger:                logger,
		pricing:               table,
		tasks:                 make(map[string]*taskUsage),
		limiters:              make(map[string]*rate.Limiter),
		backpressureThreshold: 0.8,
		maxBackpressureDelay:  5 * time.Second,
	}
	if opts.BackpressureThreshold > 0 {
		m.backpressureThreshold = opts.BackpressureThreshold
	}
	if opts.MaxBackpressureDelay > 0 {
		m.maxBackpressureDelay = opts.MaxBackpressureDelay
	}
	return m
}

// OpenTask starts tracking a workflow. A tokenBudget of 0 disables
// enforcement but still aggregates usage.
func (m *Manager) OpenTask(taskID string, tokenBudget int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[taskID]; exists {
		return
	}
	m.tasks[taskID] = &taskUsage{budget: tokenBudget}
}

// CloseTask stops tracking a workflow and returns its final totals.
func (m *Manager) CloseTask(taskID string) Totals {
	m.mu.Lock()
	t := m.tasks[taskID]
	delete(m.tasks, taskID)
	m.mu.Unlock()

	m.limiterMu.Lock()
	delete(m.limiters, taskID)
	m.limiterMu.Unlock()

	if t == nil {
		return Totals{}
	}
	return Totals{Tokens: t.used, CostUSD: t.costUSD, Executions: len(t.records)}
}

// Check evaluates whether a dispatch estimated at estimatedTokens may
// proceed, and how long it should be delayed by backpressure.
func (m *Manager) Check(taskID string, estimatedTokens int) (CheckResult, error) {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	m.mu.RLock()
	t := m.tasks[taskID]
	if t == nil {
		m.mu.RUnlock()
		return CheckResult{Allowed: true, Pressure: "low"}, nil
	}
	budget := t.budget
	used := t.used
	m.mu.RUnlock()

	if used+estimatedTokens < used {
		return CheckResult{}, ErrTokenOverflow
	}
	if budget <= 0 {
		return CheckResult{Allowed: true, Remaining: -1, Pressure: "low"}, nil
	}

	projected := used + estimatedTokens
	usagePercent := float64(projected) / float64(budget)

	result := CheckResult{
		Allowed:      used < budget,
		Remaining:    budget - used,
		UsagePercent: usagePercent,
		Pressure:     pressureLevel(usagePercent),
	}
	if !result.Allowed {
		result.Reason = "token budget exhausted"
		metrics.BudgetDenials.Inc()
		return result, nil
	}
	if usagePercent >= m.backpressureThreshold {
		result.BackpressureActive = true
		result.BackpressureDelay = m.backpressureDelay(usagePercent)
	}
	return result, nil
}

// Wait applies the backpressure delay from a check, honoring cancellation.
func (m *Manager) Wait(ctx context.Context, res CheckResult) error {
	if !res.BackpressureActive || res.BackpressureDelay <= 0 {
		return nil
	}
	metrics.BudgetBackpressure.Inc()
	m.logger.Debug("Budget backpressure delay",
		zap.Duration("delay", res.BackpressureDelay),
		zap.String("pressure", res.Pressure),
	)
	timer := time.NewTimer(res.BackpressureDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Record adds one agent execution's usage to its workflow totals. Cost is
// derived from the pricing table when the record carries none. Safe under
// concurrent appends from the worker pool.
func (m *Manager) Record(taskID string, u Usage) {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	if u.CostUSD == 0 && u.TotalTokens > 0 {
		if u.InputTokens > 0 || u.OutputTokens > 0 {
			u.CostUSD = m.pricing.CostForSplit(u.Model, u.InputTokens, u.OutputTokens)
		} else {
			u.CostUSD = m.pricing.CostForTokens(u.Model, u.TotalTokens)
		}
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	if t == nil {
		t = &taskUsage{}
		m.tasks[taskID] = t
	}
	t.used += u.TotalTokens
	t.costUSD += u.CostUSD
	t.records = append(t.records, u)
}

// Totals returns the running totals for a workflow.
func (m *Manager) Totals(taskID string) Totals {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tasks[taskID]
	if t == nil {
		return Totals{}
	}
	return Totals{Tokens: t.used, CostUSD: t.costUSD, Executions: len(t.records)}
}

// Records returns a copy of the per-agent usage list for a workflow.
func (m *Manager) Records(taskID string) []Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tasks[taskID]
	if t == nil {
		return nil
	}
	out := make([]Usage, len(t.records))
	copy(out, t.records)
	return out
}

// SetRateLimit configures a dispatch rate limit for a workflow.
func (m *Manager) SetRateLimit(taskID string, perSecond float64, burst int) {
	if perSecond <= 0 {
		return
	}
	if burst <= 0 {
		burst = 1
	}
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()
	m.limiters[taskID] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// WaitRateLimit blocks until the workflow's limiter admits one dispatch.
// No-op when no limit is configured.
func (m *Manager) WaitRateLimit(ctx context.Context, taskID string) error {
	m.limiterMu.RLock()
	limiter := m.limiters[taskID]
	m.limiterMu.RUnlock()
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// backpressureDelay maps a usage fraction to a dispatch delay.
func (m *Manager) backpressureDelay(usagePercent float64) time.Duration {
	switch {
	case usagePercent >= 1.0:
		return m.maxBackpressureDelay
	case usagePercent >= 0.95:
		return 1500 * time.Millisecond
	case usagePercent >= 0.9:
		return 750 * time.Millisecond
	case usagePercent >= 0.85:
		return 300 * time.Millisecond
	case usagePercent >= m.backpressureThreshold:
		return 50 * time.Millisecond
	}
	return 0
}

func pressureLevel(usagePercent float64) string {
	switch {
	case usagePercent < 0.5:
		return "low"
	case usagePercent < 0.75:
		return "medium"
	case usagePercent < 0.9:
		return "high"
	default:
		return "critical"
	}
}
