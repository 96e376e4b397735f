package workflows

import (
	"time"

	"github.com/cadrelabs/cadre/agents"
	"github.com/cadrelabs/cadre/internal/config"
)

// Step describes one unit of work inside a sequential chain or a
// conditional branch.
type Step struct {
	ID             string                 `json:"id"`
	Description    string                 `json:"description"`
	AgentType      agents.AgentType       `json:"agent_type"`
	Specialization string                 `json:"specialization,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
}

// subtask converts the step, filling the research default for a blank
// agent type.
func (s Step) subtask(id string) agents.Subtask {
	at := s.AgentType
	if at == "" {
		at = agents.TypeResearch
	}
	return agents.Subtask{
		ID:             id,
		Description:    s.Description,
		AgentType:      at,
		Specialization: s.Specialization,
		Context:        s.Context,
	}
}

// Config tunes one submission. Zero values fall back to the engine's
// workflow defaults; negative values are rejected.
type Config struct {
	// Pattern selects the orchestration pattern by registry name.
	// Defaults to hierarchical.
	Pattern string `json:"pattern,omitempty"`

	NumAgents           int `json:"num_agents,omitempty"`
	MaxConcurrentAgents int `json:"max_concurrent_agents,omitempty"`

	// ParallelExecution nil means "use the engine default". False caps
	// concurrency at one agent.
	ParallelExecution *bool `json:"parallel_execution,omitempty"`

	SubtaskTimeout  time.Duration `json:"subtask_timeout,omitempty"`
	WorkflowTimeout time.Duration `json:"workflow_timeout,omitempty"`

	// FailFast stops dispatching after the first failed subtask and
	// fails the workflow instead of carrying the failure into synthesis.
	FailFast bool `json:"fail_fast,omitempty"`

	// Retry is opt-in. Nil means every subtask gets exactly one attempt.
	Retry *agents.RetryPolicy `json:"retry,omitempty"`

	// TokenBudget caps total token consumption; 0 means unlimited.
	TokenBudget int `json:"token_budget,omitempty"`

	// Hierarchical pattern knobs.
	GroupSize int      `json:"group_size,omitempty"`
	Aspects   []string `json:"aspects,omitempty"`

	// Domain swarm knobs. Empty Domains means infer from the query.
	Domains []string `json:"domains,omitempty"`

	// Sequential pattern steps, executed in order with each step seeing
	// its predecessor's output.
	Steps []Step `json:"steps,omitempty"`

	// Conditional pattern knobs. Branch selection tries ConditionFn,
	// then Evaluator, then the Condition context key, in that order.
	Branches      map[string][]Step                            `json:"branches,omitempty"`
	Condition     string                                       `json:"condition,omitempty"`
	Evaluator     string                                       `json:"evaluator,omitempty"`
	ConditionFn   func(map[string]interface{}) (string, error) `json:"-"`
	DefaultBranch string                                       `json:"default_branch,omitempty"`

	// Iterative pattern knobs. The predicate decides after each pass
	// whether the workflow may stop early; with neither set the loop
	// always runs MaxIterations passes.
	MaxIterations int                                                         `json:"max_iterations,omitempty"`
	SuccessExpr   string                                                      `json:"success_expr,omitempty"`
	SuccessFn     func(synthesis string, results []agents.Result, iteration int) bool `json:"-"`

	// Aggregator overrides sequential synthesis.
	Aggregator func([]agents.Result) (string, error) `json:"-"`

	// Subtasks short-circuits decomposition with a pre-planned set.
	Subtasks []agents.Subtask `json:"subtasks,omitempty"`

	// ArtifactFormats asks the document generator to render the final
	// synthesis, e.g. "markdown" or "pdf".
	ArtifactFormats []string `json:"artifact_formats,omitempty"`
}

// parallel reports whether subtasks may run concurrently.
func (c Config) parallel() bool {
	return c.ParallelExecution == nil || *c.ParallelExecution
}

// concurrency is the semaphore width for the agent pool.
func (c Config) concurrency() int64 {
	if !c.parallel() {
		return 1
	}
	return int64(c.MaxConcurrentAgents)
}

func (c *Config) applyDefaults(d config.WorkflowDefaults) {
	if c.Pattern == "" {
		c.Pattern = PatternHierarchical
	}
	if c.NumAgents == 0 {
		c.NumAgents = d.NumAgents
	}
	if c.MaxConcurrentAgents == 0 {
		c.MaxConcurrentAgents = d.MaxConcurrentAgents
	}
	if c.ParallelExecution == nil {
		p := d.ParallelExecution
		c.ParallelExecution = &p
	}
	if c.SubtaskTimeout == 0 {
		c.SubtaskTimeout = time.Duration(d.SubtaskTimeoutSeconds) * time.Second
	}
	if c.WorkflowTimeout == 0 {
		c.WorkflowTimeout = time.Duration(d.WorkflowTimeoutSeconds) * time.Second
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.GroupSize == 0 {
		c.GroupSize = d.GroupSize
	}
}

func (c Config) validate() error {
	if c.NumAgents < 1 {
		return &ConfigurationError{Field: "num_agents", Reason: "must be at least 1"}
	}
	if c.MaxConcurrentAgents < 1 {
		return &ConfigurationError{Field: "max_concurrent_agents", Reason: "must be at least 1"}
	}
	if c.GroupSize < 1 {
		return &ConfigurationError{Field: "group_size", Reason: "must be at least 1"}
	}
	if c.MaxIterations < 1 {
		return &ConfigurationError{Field: "max_iterations", Reason: "must be at least 1"}
	}
	if c.SubtaskTimeout < 0 {
		return &ConfigurationError{Field: "subtask_timeout", Reason: "must not be negative"}
	}
	if c.WorkflowTimeout < 0 {
		return &ConfigurationError{Field: "workflow_timeout", Reason: "must not be negative"}
	}
	if c.TokenBudget < 0 {
		return &ConfigurationError{Field: "token_budget", Reason: "must not be negative"}
	}
	return nil
}
