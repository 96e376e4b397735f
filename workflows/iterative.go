package workflows

import (
	"context"
	"fmt"

	"github.com/cadrelabs/cadre/agents"
)

// iterativePattern repeats the decompose/execute/synthesize cycle up to
// MaxIterations times. Each pass sees the previous pass's synthesis in
// its subtask context, so agents refine rather than restart. A success
// predicate may stop the loop early; with no predicate the loop always
// runs to the ceiling, and hitting the ceiling is normal completion,
// not an error.
type iterativePattern struct{}

func (p *iterativePattern) Name() string { return PatternIterative }

func (p *iterativePattern) Passes(cfg Config) int { return cfg.MaxIterations }

func (p *iterativePattern) Decompose(ctx context.Context, t *Task) ([]agents.Subtask, error) {
	iter := t.Iteration()

	var base []agents.Subtask
	switch {
	case len(t.Config.Subtasks) > 0:
		base = t.Config.Subtasks
	case len(t.Config.Steps) > 0:
		base = make([]agents.Subtask, len(t.Config.Steps))
		for i, step := range t.Config.Steps {
			id := step.ID
			if id == "" {
				id = fmt.Sprintf("step-%d", i+1)
			}
			base[i] = step.subtask(id)
		}
	default:
		base = make([]agents.Subtask, t.Config.NumAgents)
		for i := range base {
			verb := "Research"
			if iter > 1 {
				verb = "Refine"
			}
			base[i] = agents.Subtask{
				ID:          fmt.Sprintf("agent-%d", i+1),
				Description: fmt.Sprintf("%s angle %d of %d for: %s", verb, i+1, len(base), t.Input.Query),
				AgentType:   agents.TypeResearch,
			}
		}
	}

	// prefix IDs with the pass number and seed the refinement context
	subtasks := make([]agents.Subtask, len(base))
	for i, st := range base {
		st.ID = fmt.Sprintf("iter%d-%s", iter, st.ID)
		if len(st.Dependencies) > 0 {
			deps := make([]string, len(st.Dependencies))
			for j, dep := range st.Dependencies {
				deps[j] = fmt.Sprintf("iter%d-%s", iter, dep)
			}
			st.Dependencies = deps
		}
		stCtx := make(map[string]interface{}, len(st.Context)+2)
		for k, v := range st.Context {
			stCtx[k] = v
		}
		stCtx["iteration"] = iter
		if prev := t.LastSynthesis(); prev != "" {
			stCtx["previous_synthesis"] = prev
		}
		st.Context = stCtx
		subtasks[i] = st
	}
	return subtasks, nil
}

func (p *iterativePattern) Synthesize(ctx context.Context, t *Task, results []agents.Result) (Synthesis, error) {
	return t.Combine(ctx, "combine", fmt.Sprintf("iter%d-combine", t.Iteration()), results)
}

// Done evaluates the success predicate over the pass that just finished.
// No predicate means never done early.
func (p *iterativePattern) Done(ctx context.Context, t *Task, results []agents.Result) (bool, error) {
	cfg := t.Config
	switch {
	case cfg.SuccessFn != nil:
		return cfg.SuccessFn(t.LastSynthesis(), results, t.Iteration()), nil
	case cfg.SuccessExpr != "":
		okCount := 0
		for _, r := range results {
			if r.OK() {
				okCount++
			}
		}
		return t.orch.eval.evalBool(cfg.SuccessExpr, map[string]interface{}{
			"synthesis":     t.LastSynthesis(),
			"iteration":     t.Iteration(),
			"success_count": okCount,
			"result_count":  len(results),
			"context":       t.Input.Context,
		})
	default:
		return false, nil
	}
}
