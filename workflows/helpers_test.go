package workflows

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cadrelabs/cadre/agents"
)

// testEngine builds an engine around the given executors with no
// external dependencies wired.
func testEngine(t *testing.T, reg *agents.Registry) *Engine {
	t.Helper()
	eng, err := NewEngine(Options{Executors: reg, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

// okExec succeeds for every subtask with a recognizable output.
func okExec(tokens int) agents.ExecutorFunc {
	return func(_ context.Context, task agents.Subtask, _ map[string]interface{}) (agents.Result, error) {
		return agents.Result{
			AgentID:    task.ID,
			Status:     agents.StatusSuccess,
			Output:     "out:" + task.ID,
			TokensUsed: tokens,
		}, nil
	}
}

// plannedTasks builds independent research subtasks with the given IDs.
func plannedTasks(ids ...string) []agents.Subtask {
	tasks := make([]agents.Subtask, len(ids))
	for i, id := range ids {
		tasks[i] = agents.Subtask{ID: id, Description: "work on " + id, AgentType: agents.TypeResearch}
	}
	return tasks
}

func boolPtr(b bool) *bool { return &b }

// callCounter records executor invocations in completion order.
type callCounter struct {
	mu    sync.Mutex
	calls []string
}

func (c *callCounter) record(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, id)
}

func (c *callCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *callCounter) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// gauge tracks the high-water mark of concurrent executions.
type gauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *gauge) enter() {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()
}

func (g *gauge) exit() {
	g.mu.Lock()
	g.current--
	g.mu.Unlock()
}

func (g *gauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}
