// Package agents defines the subtask and result types exchanged between
// the workflow engine and agent executors, plus executor middleware for
// retries and rate limiting.
package agents

import "fmt"

// AgentType categorizes what kind of work a subtask expects from its agent.
type AgentType string

const (
	TypeResearch  AgentType = "research"
	TypeAnalysis  AgentType = "analysis"
	TypeSynthesis AgentType = "synthesis"
	TypeWriter    AgentType = "writer"
	TypeCritic    AgentType = "critic"
	// TypeDomain marks a domain-specialist agent; the Specialization
	// field of the subtask names the domain.
	TypeDomain AgentType = "domain"
)

// Subtask is one unit of work produced by decomposition.
type Subtask struct {
	ID              string                 `json:"id"`
	Description     string                 `json:"description"`
	AgentType       AgentType              `json:"agent_type"`
	Specialization  string                 `json:"specialization,omitempty"`
	Priority        int                    `json:"priority,omitempty"`
	Dependencies    []string               `json:"dependencies,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	EstimatedTokens int                    `json:"estimated_tokens,omitempty"`
}

// ResultStatus is the terminal state of a single agent execution.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusTimeout ResultStatus = "timeout"
)

// Result is the outcome of executing one subtask.
type Result struct {
	AgentID    string       `json:"agent_id"`
	Status     ResultStatus `json:"status"`
	Output     string       `json:"output"`
	TokensUsed int          `json:"tokens_used"`
	// Optional split for pricing; TokensUsed remains authoritative.
	InputTokens  int                    `json:"input_tokens,omitempty"`
	OutputTokens int                    `json:"output_tokens,omitempty"`
	ModelUsed    string                 `json:"model_used,omitempty"`
	CostUSD      float64                `json:"cost_usd,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// OK reports whether the execution produced a usable output.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Failed builds a failed Result for the given subtask.
func Failed(task Subtask, err error) Result {
	return Result{
		AgentID: task.ID,
		Status:  StatusFailed,
		Error:   err.Error(),
	}
}

// TimedOut builds a timeout Result for the given subtask.
func TimedOut(task Subtask) Result {
	return Result{
		AgentID: task.ID,
		Status:  StatusTimeout,
		Error:   fmt.Sprintf("subtask %s timed out", task.ID),
	}
}
