// Package workflows contains the orchestration engine: the execution
// pipeline shared by every pattern, the five built-in patterns, and the
// Engine front door that accepts task submissions.
package workflows

import (
	"context"
	"time"

	"github.com/cadrelabs/cadre/agents"
)

// TaskStatus is the terminal state of a whole workflow.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// TaskInput is one task submission.
type TaskInput struct {
	// TaskID is optional; the engine assigns one when empty.
	TaskID string                 `json:"task_id,omitempty"`
	Title  string                 `json:"title,omitempty"`
	Query  string                 `json:"query"`
	UserID string                 `json:"user_id,omitempty"`
	// Context is passed through to every agent execution.
	Context map[string]interface{} `json:"context,omitempty"`
	Config  Config                 `json:"config"`
}

// WorkflowResult is the assembled outcome of one submission.
//
// AgentResults holds exactly one entry per dispatched subtask, in
// declaration order. Subtasks that were never dispatched (cancellation,
// workflow timeout, fail-fast) have no entry.
type WorkflowResult struct {
	TaskID       string                 `json:"task_id"`
	Title        string                 `json:"title,omitempty"`
	Pattern      string                 `json:"pattern"`
	Status       TaskStatus             `json:"status"`
	AgentResults []agents.Result        `json:"agent_results,omitempty"`
	Synthesis    string                 `json:"synthesis,omitempty"`
	TotalTokens  int                    `json:"total_tokens"`
	TotalCostUSD float64                `json:"total_cost_usd"`
	DurationMs   int64                  `json:"duration_ms"`
	Artifacts    []ArtifactRef          `json:"artifacts,omitempty"`
	Warnings     []string               `json:"warnings,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  time.Time              `json:"completed_at"`
}

// ArtifactRef points at one rendered document.
type ArtifactRef struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Path   string `json:"path"`
}

// DocumentGenerator renders a final synthesis into downloadable formats.
// Generation failures downgrade the workflow to completed-with-warnings,
// never to failed.
type DocumentGenerator interface {
	Generate(ctx context.Context, taskID, content string, formats []string) ([]ArtifactRef, error)
}

// Synthesis is the combined output of one pattern pass.
type Synthesis struct {
	Text       string                 `json:"text"`
	TokensUsed int                    `json:"tokens_used,omitempty"`
	CostUSD    float64                `json:"cost_usd,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
