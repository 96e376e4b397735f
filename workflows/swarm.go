package workflows

import (
	"context"
	"fmt"
	"strings"

	"github.com/cadrelabs/cadre/agents"
	"github.com/cadrelabs/cadre/streaming"
)

// domainKeywords maps query keywords to specialist domains. Ordered so
// inference is deterministic for a given query.
var domainKeywords = []struct {
	keyword string
	domain  string
}{
	{"market", "finance"},
	{"revenue", "finance"},
	{"investment", "finance"},
	{"pricing", "finance"},
	{"cost", "finance"},
	{"legal", "legal"},
	{"compliance", "legal"},
	{"regulation", "legal"},
	{"regulatory", "legal"},
	{"law", "legal"},
	{"software", "engineering"},
	{"architecture", "engineering"},
	{"infrastructure", "engineering"},
	{"api", "engineering"},
	{"scalability", "engineering"},
	{"security", "security"},
	{"vulnerability", "security"},
	{"privacy", "security"},
	{"customer", "product"},
	{"user experience", "product"},
	{"adoption", "product"},
	{"competitor", "product"},
	{"data", "data"},
	{"statistics", "data"},
	{"benchmark", "data"},
}

var defaultDomains = []string{"research", "analysis"}

// domainSwarmPattern dispatches one specialist agent per domain in
// parallel and combines their perspectives in a single synthesis.
// Domains come from the config when given, otherwise from keyword
// matching on the query with a research/analysis fallback.
type domainSwarmPattern struct{}

func (p *domainSwarmPattern) Name() string { return PatternDomainSwarm }

func (p *domainSwarmPattern) Decompose(ctx context.Context, t *Task) ([]agents.Subtask, error) {
	domains := dedupeDomains(t.Config.Domains)
	if len(domains) == 0 {
		domains = inferDomains(t.Input.Query)
	}
	t.SetMetadata("domains", domains)

	subtasks := make([]agents.Subtask, len(domains))
	for i, d := range domains {
		t.Emit(streaming.EventProgress, "", streaming.MsgDomainStarted(d, 1),
			map[string]interface{}{"domain": d})
		subtasks[i] = agents.Subtask{
			ID:             "domain-" + d,
			Description:    fmt.Sprintf("Address the %s dimension of: %s", d, t.Input.Query),
			AgentType:      agents.TypeDomain,
			Specialization: d,
		}
	}
	return subtasks, nil
}

func (p *domainSwarmPattern) Synthesize(ctx context.Context, t *Task, results []agents.Result) (Synthesis, error) {
	syn, err := t.Combine(ctx, "combine", "combine", results)
	if err != nil {
		return Synthesis{}, err
	}
	syn.Metadata = map[string]interface{}{"domain_count": len(results)}
	return syn, nil
}

func inferDomains(query string) []string {
	q := strings.ToLower(query)
	var domains []string
	seen := make(map[string]bool)
	for _, kw := range domainKeywords {
		if strings.Contains(q, kw.keyword) && !seen[kw.domain] {
			seen[kw.domain] = true
			domains = append(domains, kw.domain)
		}
	}
	if len(domains) == 0 {
		domains = append(domains, defaultDomains...)
	}
	return domains
}

func dedupeDomains(domains []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, d := range domains {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
