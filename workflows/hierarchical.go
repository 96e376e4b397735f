package workflows

import (
	"context"
	"fmt"

	"github.com/cadrelabs/cadre/agents"
	"github.com/cadrelabs/cadre/streaming"
)

// hierarchicalPattern fans the query out to parallel research agents
// (tier 1), synthesizes their results in groups of GroupSize (tier 2),
// and merges the group summaries into one final synthesis (tier 3). With
// a single group, its summary is the final synthesis and tier 3 is
// skipped.
type hierarchicalPattern struct{}

func (p *hierarchicalPattern) Name() string { return PatternHierarchical }

func (p *hierarchicalPattern) Decompose(ctx context.Context, t *Task) ([]agents.Subtask, error) {
	if len(t.Config.Subtasks) > 0 {
		return t.Config.Subtasks, nil
	}

	n := t.Config.NumAgents
	subtasks := make([]agents.Subtask, n)
	for i := 0; i < n; i++ {
		desc := fmt.Sprintf("Research angle %d of %d for: %s", i+1, n, t.Input.Query)
		spec := ""
		if len(t.Config.Aspects) > 0 {
			spec = t.Config.Aspects[i%len(t.Config.Aspects)]
			desc = fmt.Sprintf("Research the %s aspects of: %s", spec, t.Input.Query)
		}
		subtasks[i] = agents.Subtask{
			ID:             fmt.Sprintf("research-%d", i+1),
			Description:    desc,
			AgentType:      agents.TypeResearch,
			Specialization: spec,
		}
	}
	return subtasks, nil
}

func (p *hierarchicalPattern) Synthesize(ctx context.Context, t *Task, results []agents.Result) (Synthesis, error) {
	// Only successful tier-1 results feed the upper tiers; failures stay
	// visible in the result set but contribute nothing to summarize.
	oks := make([]agents.Result, 0, len(results))
	for _, r := range results {
		if r.OK() {
			oks = append(oks, r)
		}
	}

	size := t.Config.GroupSize
	groups := (len(oks) + size - 1) / size
	t.Emit(streaming.EventProgress, "", streaming.MsgTierStarted(2, groups),
		map[string]interface{}{"tier": 2, "groups": groups})

	var (
		summaries []agents.Result
		tokens    int
		cost      float64
	)
	for b := 0; b < groups; b++ {
		lo := b * size
		hi := lo + size
		if hi > len(oks) {
			hi = len(oks)
		}
		syn, err := t.Combine(ctx, "tier2", fmt.Sprintf("tier2-%d", b+1), oks[lo:hi])
		if err != nil {
			return Synthesis{}, err
		}
		tokens += syn.TokensUsed
		cost += syn.CostUSD
		summaries = append(summaries, agents.Result{
			AgentID: fmt.Sprintf("tier2-%d", b+1),
			Status:  agents.StatusSuccess,
			Output:  syn.Text,
		})
	}

	meta := map[string]interface{}{"tier2_count": groups, "tiers": 2}
	if len(summaries) == 1 {
		return Synthesis{Text: summaries[0].Output, TokensUsed: tokens, CostUSD: cost, Metadata: meta}, nil
	}

	meta["tiers"] = 3
	t.Emit(streaming.EventProgress, "", streaming.MsgTierStarted(3, 1),
		map[string]interface{}{"tier": 3, "groups": 1})
	final, err := t.Combine(ctx, "tier3", "tier3", summaries)
	if err != nil {
		return Synthesis{}, err
	}
	return Synthesis{
		Text:       final.Text,
		TokensUsed: tokens + final.TokensUsed,
		CostUSD:    cost + final.CostUSD,
		Metadata:   meta,
	}, nil
}
