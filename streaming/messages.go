package streaming

import (
	"fmt"
	"strings"
)

// compactTokens formats a token count into a compact human form, e.g. 14800 -> "14.8k".
func compactTokens(tokens int) string {
	if tokens < 1000 {
		return fmt.Sprintf("%d", tokens)
	}
	k := float64(tokens) / 1000.0
	s := fmt.Sprintf("%.1fk", k)
	s = strings.ReplaceAll(s, ".0k", "k")
	return s
}

// msgTruncate shortens a string for display, adding ellipsis if needed.
func msgTruncate(s string, maxLen int) string {
	if maxLen <= 3 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// -----------------------------------------------------------------------------
// Workflow Lifecycle Messages
// -----------------------------------------------------------------------------

// MsgWorkflowStarted announces workflow initialization.
func MsgWorkflowStarted(pattern string) string {
	if pattern == "" {
		return "Starting task"
	}
	return fmt.Sprintf("Starting %s workflow", pattern)
}

// MsgWorkflowCompleted announces successful workflow completion.
func MsgWorkflowCompleted() string { return "All done" }

// MsgTaskFailed reports task failure with reason.
func MsgTaskFailed(reason string) string {
	if reason == "" {
		return "Task failed"
	}
	if len(reason) > 100 {
		reason = reason[:100] + "..."
	}
	return fmt.Sprintf("Task failed: %s", reason)
}

// MsgCancelled reports cancellation with partial progress.
func MsgCancelled(completed, total int) string {
	return fmt.Sprintf("Cancelled after %d of %d subtasks", completed, total)
}

// -----------------------------------------------------------------------------
// Planning & Decomposition Messages
// -----------------------------------------------------------------------------

// MsgThinking shows the system is analyzing the query.
func MsgThinking(query string) string {
	return fmt.Sprintf("Thinking: %s", msgTruncate(query, 50))
}

// MsgPlanCreated announces plan creation with subtask count.
func MsgPlanCreated(subtasks int) string {
	if subtasks == 1 {
		return "Created a plan with 1 subtask"
	}
	return fmt.Sprintf("Created a plan with %d subtasks", subtasks)
}

// -----------------------------------------------------------------------------
// Agent Messages
// -----------------------------------------------------------------------------

// MsgAgentRunning announces an agent starting work.
func MsgAgentRunning(agentType string) string {
	if agentType == "" {
		agentType = "agent"
	}
	return fmt.Sprintf("%s agent running", strings.ToLower(agentType))
}

// MsgAgentDone reports one agent finishing with token usage.
func MsgAgentDone(agentID string, tokens int) string {
	if tokens > 0 {
		return fmt.Sprintf("%s finished, used %s tokens", agentID, compactTokens(tokens))
	}
	return fmt.Sprintf("%s finished", agentID)
}

// MsgAgentFailed reports one agent failing.
func MsgAgentFailed(agentID, reason string) string {
	if reason == "" {
		return fmt.Sprintf("%s failed", agentID)
	}
	return fmt.Sprintf("%s failed: %s", agentID, msgTruncate(reason, 80))
}

// -----------------------------------------------------------------------------
// Progress Messages
// -----------------------------------------------------------------------------

// MsgSubtaskProgress reports subtask completion progress.
func MsgSubtaskProgress(completed, total int) string {
	return fmt.Sprintf("Completed %d of %d subtasks", completed, total)
}

// MsgBudget reports budget usage.
func MsgBudget(used, limit int) string {
	return fmt.Sprintf("Budget used: %s/%s", compactTokens(used), compactTokens(limit))
}

// MsgTokensUsed reports token consumption.
func MsgTokensUsed(tokens int) string {
	return fmt.Sprintf("Used %s tokens", compactTokens(tokens))
}

// -----------------------------------------------------------------------------
// Synthesis Messages
// -----------------------------------------------------------------------------

// MsgSynthesizing indicates synthesis in progress.
func MsgSynthesizing() string { return "Combining results" }

// MsgSynthesisSummary reports synthesis completion with token count.
func MsgSynthesisSummary(tokens int) string {
	return fmt.Sprintf("Synthesized using %s tokens", compactTokens(tokens))
}

// MsgFinalAnswer announces the final answer is ready.
func MsgFinalAnswer() string { return "Answer ready" }

// -----------------------------------------------------------------------------
// Pattern Messages
// -----------------------------------------------------------------------------

// MsgIteration reports refinement loop progress.
func MsgIteration(current, max int) string {
	return fmt.Sprintf("Refinement pass %d of %d", current, max)
}

// MsgBranchSelected announces the branch a conditional workflow chose.
func MsgBranchSelected(branch string) string {
	return fmt.Sprintf("Taking the %s branch", branch)
}

// MsgTierStarted announces a hierarchy tier beginning.
func MsgTierStarted(tier, groups int) string {
	if groups > 1 {
		return fmt.Sprintf("Tier %d: coordinating %d groups", tier, groups)
	}
	return fmt.Sprintf("Tier %d starting", tier)
}

// MsgDomainStarted announces a domain swarm spinning up.
func MsgDomainStarted(domain string, agents int) string {
	return fmt.Sprintf("%s team: %d agents working", domain, agents)
}
