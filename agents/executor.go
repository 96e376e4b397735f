package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Executor runs a single subtask. Implementations typically call a model
// API or tool backend; the workflow context carries shared inputs such as
// the original query and upstream outputs.
//
// Execute should honor ctx cancellation and return an error for failures
// it wants the workflow to record. Returning a Result with a non-success
// status and a nil error is also valid for failures the executor has
// already described.
type Executor interface {
	Execute(ctx context.Context, task Subtask, workflowContext map[string]interface{}) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task Subtask, workflowContext map[string]interface{}) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Subtask, workflowContext map[string]interface{}) (Result, error) {
	return f(ctx, task, workflowContext)
}

// Registry maps agent types to their executors. A registry is populated
// at startup and handed to the engine; lookups at submission time report
// missing types before any work is dispatched.
type Registry struct {
	mu        sync.RWMutex
	executors map[AgentType]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[AgentType]Executor)}
}

// Register binds an executor to an agent type, replacing any previous
// binding for that type.
func (r *Registry) Register(agentType AgentType, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[agentType] = exec
}

// Get returns the executor for an agent type.
func (r *Registry) Get(agentType AgentType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[agentType]
	return exec, ok
}

// Types lists registered agent types in sorted order.
func (r *Registry) Types() []AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that every subtask references a registered agent type.
func (r *Registry) Validate(tasks []Subtask) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range tasks {
		if _, ok := r.executors[t.AgentType]; !ok {
			return fmt.Errorf("no executor registered for agent type %q (subtask %s)", t.AgentType, t.ID)
		}
	}
	return nil
}
