// Package streaming provides in-memory pub/sub for workflow progress
// events, with per-task replay buffers and an optional Redis Streams
// mirror for consumers outside the process.
package streaming

import (
	"encoding/json"
	"time"
)

// EventType identifies what a workflow event describes.
type EventType string

const (
	EventWorkflowStarted        EventType = "WORKFLOW_STARTED"
	EventDecompositionCompleted EventType = "DECOMPOSITION_COMPLETED"
	EventAgentStarted           EventType = "AGENT_STARTED"
	EventAgentCompleted         EventType = "AGENT_COMPLETED"
	EventAgentFailed            EventType = "AGENT_FAILED"
	EventSynthesisStarted       EventType = "SYNTHESIS_STARTED"
	EventSynthesisCompleted     EventType = "SYNTHESIS_COMPLETED"
	EventWorkflowCompleted      EventType = "WORKFLOW_COMPLETED"
	EventWorkflowError          EventType = "WORKFLOW_ERROR"

	// Pattern-specific events
	EventIterationStarted   EventType = "ITERATION_STARTED"
	EventIterationCompleted EventType = "ITERATION_COMPLETED"
	EventBranchSelected     EventType = "BRANCH_SELECTED"

	// Human-readable UX events
	EventProgress EventType = "PROGRESS"
)

// Event is a single progress update for a task.
type Event struct {
	TaskID    string                 `json:"task_id"`
	Type      EventType              `json:"type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
