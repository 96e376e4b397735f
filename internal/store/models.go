package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB represents a jsonb column (Postgres) or a serialized JSON blob
// (SQLite).
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		// SQLite hands JSON back as TEXT.
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// WorkflowRun is one row per submitted task, upserted as the workflow
// progresses. TaskID is the idempotency key.
type WorkflowRun struct {
	ID      string `db:"id"`
	TaskID  string `db:"task_id"`
	Pattern string `db:"pattern"`
	Query   string `db:"query"`
	Status  string `db:"status"`

	// Results
	Result       *string `db:"result"`
	ErrorMessage *string `db:"error_message"`

	// Token metrics
	TotalTokens  int     `db:"total_tokens"`
	TotalCostUSD float64 `db:"total_cost_usd"`

	// Performance metrics
	DurationMs *int64 `db:"duration_ms"`
	AgentsUsed int    `db:"agents_used"`

	// Metadata
	Metadata    JSONB      `db:"metadata"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

// AgentRun records a single subtask execution within a workflow run.
type AgentRun struct {
	ID        string `db:"id"`
	TaskID    string `db:"task_id"`
	SubtaskID string `db:"subtask_id"`
	AgentType string `db:"agent_type"`

	// Execution details
	Status       string `db:"status"`
	Output       string `db:"output"`
	ErrorMessage string `db:"error_message"`

	// Token usage
	TokensUsed int     `db:"tokens_used"`
	ModelUsed  string  `db:"model_used"`
	CostUSD    float64 `db:"cost_usd"`

	// Performance
	DurationMs int64 `db:"duration_ms"`

	// Metadata
	Metadata  JSONB     `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}
