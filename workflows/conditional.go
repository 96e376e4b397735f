package workflows

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cadrelabs/cadre/agents"
	"github.com/cadrelabs/cadre/streaming"
)

// conditionalPattern evaluates a condition against the submission and
// executes exactly one branch. Discarded branches cost nothing: their
// steps are never turned into subtasks. Branch selection tries the
// condition function, then the expression evaluator, then a context key
// lookup; a selection with no matching branch falls back to the default
// branch and fails decomposition when there is none.
type conditionalPattern struct{}

func (p *conditionalPattern) Name() string { return PatternConditional }

func (p *conditionalPattern) validateConfig(cfg Config) error {
	if len(cfg.Branches) == 0 {
		return &ConfigurationError{Field: "branches", Reason: "conditional pattern requires at least one branch"}
	}
	if cfg.ConditionFn == nil && cfg.Evaluator == "" && cfg.Condition == "" {
		return &ConfigurationError{Field: "condition", Reason: "conditional pattern requires a condition, evaluator, or condition function"}
	}
	return nil
}

func (p *conditionalPattern) Decompose(ctx context.Context, t *Task) ([]agents.Subtask, error) {
	selected, err := p.selectBranch(t)
	if err != nil {
		return nil, err
	}

	branch := selected
	steps, ok := t.Config.Branches[branch]
	if !ok && t.Config.DefaultBranch != "" {
		if fallback, found := t.Config.Branches[t.Config.DefaultBranch]; found {
			branch, steps, ok = t.Config.DefaultBranch, fallback, true
		}
	}
	if !ok {
		if fallback, found := t.Config.Branches["default"]; found {
			branch, steps, ok = "default", fallback, true
		}
	}
	if !ok {
		return nil, &DecompositionError{
			Pattern: PatternConditional,
			Err:     fmt.Errorf("no branch matches %q and no default branch is defined", selected),
		}
	}
	if branch != selected {
		t.Logger().Info("Falling back to default branch",
			zap.String("selected", selected),
			zap.String("branch", branch))
	}

	t.SetMetadata("selected_branch", branch)
	t.Emit(streaming.EventBranchSelected, "", streaming.MsgBranchSelected(branch),
		map[string]interface{}{"branch": branch})

	subtasks := make([]agents.Subtask, len(steps))
	for i, step := range steps {
		id := step.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", branch, i+1)
		}
		subtasks[i] = step.subtask(id)
	}
	return subtasks, nil
}

func (p *conditionalPattern) selectBranch(t *Task) (string, error) {
	cfg := t.Config
	switch {
	case cfg.ConditionFn != nil:
		branch, err := cfg.ConditionFn(t.Input.Context)
		if err != nil {
			return "", &DecompositionError{Pattern: PatternConditional, Err: fmt.Errorf("condition function: %w", err)}
		}
		return branch, nil
	case cfg.Evaluator != "":
		branch, err := t.orch.eval.evalString(cfg.Evaluator, map[string]interface{}{
			"context": t.Input.Context,
			"query":   t.Input.Query,
		})
		if err != nil {
			return "", &DecompositionError{Pattern: PatternConditional, Err: err}
		}
		return branch, nil
	default:
		v, ok := t.Input.Context[cfg.Condition]
		if !ok {
			return "", nil
		}
		return fmt.Sprint(v), nil
	}
}

func (p *conditionalPattern) Synthesize(ctx context.Context, t *Task, results []agents.Result) (Synthesis, error) {
	return t.Combine(ctx, "combine", "combine", results)
}
