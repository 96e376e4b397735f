package workflows

import (
	"context"
	"fmt"
	"strings"

	"github.com/cadrelabs/cadre/agents"
)

// sequentialPattern runs its steps as a strict chain: each step depends
// on its predecessor and sees the predecessor's output as
// previous_output in its workflow context. The chain dependencies make
// execution sequential no matter what concurrency the config allows.
type sequentialPattern struct{}

func (p *sequentialPattern) Name() string { return PatternSequential }

func (p *sequentialPattern) validateConfig(cfg Config) error {
	if len(cfg.Steps) == 0 && len(cfg.Subtasks) == 0 {
		return &ConfigurationError{Field: "steps", Reason: "sequential pattern requires at least one step"}
	}
	return nil
}

func (p *sequentialPattern) Decompose(ctx context.Context, t *Task) ([]agents.Subtask, error) {
	var subtasks []agents.Subtask
	if len(t.Config.Subtasks) > 0 {
		subtasks = make([]agents.Subtask, len(t.Config.Subtasks))
		copy(subtasks, t.Config.Subtasks)
	} else {
		subtasks = make([]agents.Subtask, len(t.Config.Steps))
		for i, step := range t.Config.Steps {
			id := step.ID
			if id == "" {
				id = fmt.Sprintf("step-%d", i+1)
			}
			subtasks[i] = step.subtask(id)
		}
	}

	// each step depends on its predecessor, replacing whatever the
	// inputs declared
	for i := range subtasks {
		if i == 0 {
			subtasks[i].Dependencies = nil
			continue
		}
		subtasks[i].Dependencies = []string{subtasks[i-1].ID}
	}
	return subtasks, nil
}

func (p *sequentialPattern) Synthesize(ctx context.Context, t *Task, results []agents.Result) (Synthesis, error) {
	t.SetMetadata("steps", len(results))

	if t.Config.Aggregator != nil {
		text, err := t.Config.Aggregator(results)
		if err != nil {
			return Synthesis{}, fmt.Errorf("aggregator: %w", err)
		}
		return Synthesis{Text: text}, nil
	}

	var b strings.Builder
	for i, r := range results {
		if r.OK() {
			fmt.Fprintf(&b, "## Step %d: %s\n\n%s\n\n", i+1, r.AgentID, r.Output)
		} else {
			fmt.Fprintf(&b, "## Step %d: %s (%s)\n\n%s\n\n", i+1, r.AgentID, r.Status, r.Error)
		}
	}
	return Synthesis{Text: strings.TrimSpace(b.String())}, nil
}
