package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cadrelabs/cadre/agents"
	"github.com/cadrelabs/cadre/internal/budget"
	"github.com/cadrelabs/cadre/internal/graph"
	"github.com/cadrelabs/cadre/internal/metrics"
	"github.com/cadrelabs/cadre/internal/pricing"
	"github.com/cadrelabs/cadre/internal/store"
	"github.com/cadrelabs/cadre/internal/tracing"
	"github.com/cadrelabs/cadre/streaming"
)

// Pattern plans subtasks for a submission and combines their results.
// The execution pipeline between the two hooks (dependency ordering,
// bounded concurrency, timeouts, retries, budget checks) is shared by
// all patterns.
type Pattern interface {
	Name() string
	Decompose(ctx context.Context, t *Task) ([]agents.Subtask, error)
	Synthesize(ctx context.Context, t *Task, results []agents.Result) (Synthesis, error)
}

// MultiPass is implemented by patterns that run the
// decompose/execute/synthesize cycle more than once. Done is consulted
// after each pass; returning true stops the loop before the ceiling.
type MultiPass interface {
	Passes(cfg Config) int
	Done(ctx context.Context, t *Task, results []agents.Result) (bool, error)
}

// configValidator lets a pattern reject a submission before anything
// runs, e.g. a conditional workflow with no branches.
type configValidator interface {
	validateConfig(cfg Config) error
}

// Task carries one submission through the pipeline. Patterns receive it
// in their hooks and use it to emit progress events, combine results,
// and attach metadata to the final workflow result.
type Task struct {
	ID     string
	Input  TaskInput
	Config Config

	pattern Pattern
	orch    *orchestrator
	log     *zap.Logger

	pass             int
	lastSynthesis    string
	synthesisHistory []string

	meta        map[string]interface{}
	warnings    []string
	synthTokens int
	synthCost   float64
}

// Iteration is the 1-based number of the current pass. Single-pass
// patterns always see 1.
func (t *Task) Iteration() int { return t.pass + 1 }

// LastSynthesis returns the synthesis of the previous pass, or "" on the
// first pass.
func (t *Task) LastSynthesis() string { return t.lastSynthesis }

// SetMetadata attaches a key to the final workflow result's metadata.
func (t *Task) SetMetadata(key string, value interface{}) { t.meta[key] = value }

// Logger returns a logger scoped to this task.
func (t *Task) Logger() *zap.Logger { return t.log }

// Emit publishes a workflow event for this task. Safe to call with a nil
// stream manager.
func (t *Task) Emit(evtType streaming.EventType, agentID, message string, payload map[string]interface{}) {
	if t.orch.streams == nil {
		return
	}
	t.orch.streams.Publish(t.ID, streaming.Event{
		Type:    evtType,
		AgentID: agentID,
		Message: message,
		Payload: payload,
	})
}

// Combine merges results into a single text. When a synthesis executor
// is registered it runs one synthesis call under the subtask timeout;
// otherwise it falls back to labeled concatenation of the successful
// outputs. tier labels the synthesis metric, id names the synthesis
// subtask and must be unique within the workflow.
func (t *Task) Combine(ctx context.Context, tier, id string, results []agents.Result) (Synthesis, error) {
	outputs := make([]string, 0, len(results))
	for _, r := range results {
		if r.OK() && r.Output != "" {
			outputs = append(outputs, r.Output)
		}
	}

	o := t.orch
	exec, ok := o.executors.Get(agents.TypeSynthesis)
	if !ok {
		return Synthesis{Text: combineOutputs(outputs)}, nil
	}

	st := agents.Subtask{
		ID:          id,
		Description: fmt.Sprintf("Synthesize %d results for: %s", len(outputs), t.Input.Query),
		AgentType:   agents.TypeSynthesis,
	}
	wfContext := make(map[string]interface{}, len(t.Input.Context)+2)
	for k, v := range t.Input.Context {
		wfContext[k] = v
	}
	wfContext["query"] = t.Input.Query
	wfContext["outputs"] = outputs

	callCtx := ctx
	if t.Config.SubtaskTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.Config.SubtaskTimeout)
		defer cancel()
	}

	res, err := exec.Execute(callCtx, st, wfContext)
	if err != nil {
		metrics.SynthesisCalls.WithLabelValues(tier, "error").Inc()
		return Synthesis{}, fmt.Errorf("%s: %w", id, err)
	}
	if !res.OK() {
		metrics.SynthesisCalls.WithLabelValues(tier, "failed").Inc()
		return Synthesis{}, fmt.Errorf("%s: %s", id, res.Error)
	}
	metrics.SynthesisCalls.WithLabelValues(tier, "success").Inc()

	if res.CostUSD == 0 && res.TokensUsed > 0 && o.pricing != nil {
		res.CostUSD = o.pricing.CostForTokens(res.ModelUsed, res.TokensUsed)
	}
	t.synthTokens += res.TokensUsed
	t.synthCost += res.CostUSD
	if o.budget != nil && res.TokensUsed > 0 {
		o.budget.Record(t.ID, budget.Usage{
			AgentID:     id,
			Model:       res.ModelUsed,
			TotalTokens: res.TokensUsed,
			CostUSD:     res.CostUSD,
			Timestamp:   time.Now(),
		})
	}
	return Synthesis{Text: res.Output, TokensUsed: res.TokensUsed, CostUSD: res.CostUSD}, nil
}

func combineOutputs(outputs []string) string {
	if len(outputs) == 1 {
		return outputs[0]
	}
	var b strings.Builder
	for i, out := range outputs {
		fmt.Fprintf(&b, "### Result %d\n\n%s\n\n", i+1, out)
	}
	return strings.TrimSpace(b.String())
}

// orchestrator is the execution pipeline shared by all patterns. It owns
// no lifecycle; the Engine wires it and tears it down.
type orchestrator struct {
	executors *agents.Registry
	streams   *streaming.Manager
	budget    *budget.Manager
	pricing   *pricing.Table
	store     *store.Store
	docgen    DocumentGenerator
	eval      *evalCache
	logger    *zap.Logger
}

// execute runs the full pipeline for one submission: decompose, execute
// under the dependency graph, synthesize, render artifacts, assemble.
// Multi-pass patterns repeat the cycle up to their ceiling.
//
// The returned result is never nil. The error mirrors res.ErrorMessage
// when the workflow failed and is nil for completed and cancelled runs.
func (o *orchestrator) execute(ctx context.Context, t *Task) (*WorkflowResult, error) {
	started := time.Now()

	res := &WorkflowResult{
		TaskID:    t.ID,
		Title:     t.Input.Title,
		Pattern:   t.pattern.Name(),
		Status:    StatusRunning,
		StartedAt: started,
	}

	t.Emit(streaming.EventWorkflowStarted, "", streaming.MsgWorkflowStarted(t.pattern.Name()), map[string]interface{}{
		"pattern": t.pattern.Name(),
		"query":   t.Input.Query,
	})
	o.storeWorkflowStart(t, started)

	wfCtx := ctx
	if t.Config.WorkflowTimeout > 0 {
		var cancel context.CancelFunc
		wfCtx, cancel = context.WithTimeout(ctx, t.Config.WorkflowTimeout)
		defer cancel()
	}

	passes := 1
	mp, multi := t.pattern.(MultiPass)
	if multi {
		if passes = mp.Passes(t.Config); passes < 1 {
			passes = 1
		}
	}

	var (
		all     []agents.Result
		synText string
		termErr error
	)

	for pass := 0; pass < passes; pass++ {
		t.pass = pass
		if multi {
			t.Emit(streaming.EventIterationStarted, "", streaming.MsgIteration(pass+1, passes),
				map[string]interface{}{"iteration": pass + 1, "max_iterations": passes})
		}

		t.Emit(streaming.EventProgress, "", streaming.MsgThinking(t.Input.Query), nil)
		decompStart := time.Now()
		decompCtx, decompSpan := tracing.StartSpan(ctx, "workflow.decompose")
		subtasks, err := t.pattern.Decompose(decompCtx, t)
		decompSpan.End()
		if err != nil {
			metrics.DecompositionErrors.Inc()
			termErr = asPlanError(t.pattern.Name(), err)
			break
		}
		if len(subtasks) == 0 {
			metrics.DecompositionErrors.Inc()
			termErr = &DecompositionError{Pattern: t.pattern.Name(), Err: errors.New("produced no subtasks")}
			break
		}
		if err := o.executors.Validate(subtasks); err != nil {
			termErr = &ConfigurationError{Field: "agent_type", Reason: err.Error()}
			break
		}
		g, err := graph.Build(graphNodes(subtasks))
		if err != nil {
			metrics.DecompositionErrors.Inc()
			termErr = &DecompositionError{Pattern: t.pattern.Name(), Err: err}
			break
		}
		metrics.DecompositionLatency.Observe(time.Since(decompStart).Seconds())
		t.Emit(streaming.EventDecompositionCompleted, "", streaming.MsgPlanCreated(len(subtasks)),
			map[string]interface{}{"subtasks": len(subtasks)})

		results, out := o.runPool(wfCtx, ctx, t, subtasks, g)
		all = append(all, results...)
		t.warnings = append(t.warnings, out.warnings...)

		if out.cancelled {
			res.Status = StatusCancelled
			t.Emit(streaming.EventProgress, "", streaming.MsgCancelled(out.finished, len(subtasks)), nil)
			break
		}
		if out.failure != nil {
			termErr = out.failure
			break
		}

		if !anyOK(results) {
			t.warnings = append(t.warnings, "no successful agent results; synthesis skipped")
			break
		}

		t.Emit(streaming.EventSynthesisStarted, "", streaming.MsgSynthesizing(), nil)
		synCtx, synSpan := tracing.StartSpan(ctx, "workflow.synthesize")
		syn, err := t.pattern.Synthesize(synCtx, t, results)
		synSpan.End()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				res.Status = StatusCancelled
				break
			}
			termErr = &SynthesisError{Err: err}
			break
		}
		t.Emit(streaming.EventSynthesisCompleted, "", streaming.MsgSynthesisSummary(syn.TokensUsed), nil)

		synText = syn.Text
		t.lastSynthesis = syn.Text
		t.synthesisHistory = append(t.synthesisHistory, syn.Text)
		for k, v := range syn.Metadata {
			t.meta[k] = v
		}

		if multi {
			t.Emit(streaming.EventIterationCompleted, "", streaming.MsgIteration(pass+1, passes),
				map[string]interface{}{"iteration": pass + 1})
			done, derr := mp.Done(ctx, t, results)
			if derr != nil {
				termErr = &ConfigurationError{Field: "success_predicate", Reason: derr.Error()}
				break
			}
			if done {
				break
			}
			if wfCtx.Err() != nil {
				t.warnings = append(t.warnings, "workflow timeout reached; stopping iterations")
				break
			}
		}
	}

	switch {
	case termErr != nil:
		res.Status = StatusFailed
		res.ErrorMessage = termErr.Error()
		t.Emit(streaming.EventWorkflowError, "", streaming.MsgTaskFailed(termErr.Error()), nil)
	case res.Status == StatusCancelled:
		// partial results are kept; no artifacts for a cancelled run
	default:
		res.Status = StatusCompleted
		if o.docgen != nil && len(t.Config.ArtifactFormats) > 0 && synText != "" {
			refs, err := o.docgen.Generate(ctx, t.ID, synText, t.Config.ArtifactFormats)
			if err != nil {
				t.log.Warn("Artifact generation failed", zap.Error(err))
				t.warnings = append(t.warnings, fmt.Sprintf("artifact generation failed: %v", err))
			} else {
				res.Artifacts = refs
			}
		}
		t.Emit(streaming.EventProgress, "", streaming.MsgFinalAnswer(), nil)
		t.Emit(streaming.EventWorkflowCompleted, "", streaming.MsgWorkflowCompleted(), nil)
	}

	res.AgentResults = all
	res.Synthesis = synText
	res.Warnings = t.warnings
	if multi {
		t.meta["iteration_count"] = t.pass + 1
		t.meta["synthesis_history"] = t.synthesisHistory
	}
	if len(t.meta) > 0 {
		res.Metadata = t.meta
	}

	for _, r := range all {
		res.TotalTokens += r.TokensUsed
		res.TotalCostUSD += r.CostUSD
	}
	res.TotalTokens += t.synthTokens
	res.TotalCostUSD += t.synthCost

	res.CompletedAt = time.Now()
	res.DurationMs = res.CompletedAt.Sub(started).Milliseconds()

	metrics.RecordWorkflowMetrics(res.Pattern, string(res.Status),
		res.CompletedAt.Sub(started).Seconds(), res.TotalTokens, res.TotalCostUSD)
	o.storeWorkflowFinish(t, res)

	t.log.Info("Workflow finished",
		zap.String("status", string(res.Status)),
		zap.Int("agent_results", len(all)),
		zap.Int("total_tokens", res.TotalTokens),
		zap.Int64("duration_ms", res.DurationMs))

	return res, termErr
}

// asPlanError keeps typed errors raised inside Decompose and wraps
// everything else as a decomposition failure.
func asPlanError(pattern string, err error) error {
	var de *DecompositionError
	var ce *ConfigurationError
	if errors.As(err, &de) || errors.As(err, &ce) {
		return err
	}
	return &DecompositionError{Pattern: pattern, Err: err}
}

func graphNodes(subtasks []agents.Subtask) []graph.Node {
	nodes := make([]graph.Node, len(subtasks))
	for i, st := range subtasks {
		nodes[i] = graph.Node{ID: st.ID, DependsOn: st.Dependencies}
	}
	return nodes
}

func anyOK(results []agents.Result) bool {
	for _, r := range results {
		if r.OK() {
			return true
		}
	}
	return false
}

func (o *orchestrator) storeWorkflowStart(t *Task, started time.Time) {
	if o.store == nil {
		return
	}
	o.store.QueueWorkflowRun(&store.WorkflowRun{
		TaskID:    t.ID,
		Pattern:   t.pattern.Name(),
		Query:     t.Input.Query,
		Status:    string(StatusRunning),
		StartedAt: started,
	}, nil)
}

func (o *orchestrator) storeWorkflowFinish(t *Task, res *WorkflowResult) {
	if o.store == nil {
		return
	}
	completed := res.CompletedAt
	dur := res.DurationMs
	run := &store.WorkflowRun{
		TaskID:       t.ID,
		Pattern:      res.Pattern,
		Query:        t.Input.Query,
		Status:       string(res.Status),
		TotalTokens:  res.TotalTokens,
		TotalCostUSD: res.TotalCostUSD,
		DurationMs:   &dur,
		AgentsUsed:   len(res.AgentResults),
		StartedAt:    res.StartedAt,
		CompletedAt:  &completed,
	}
	if res.Synthesis != "" {
		s := res.Synthesis
		run.Result = &s
	}
	if res.ErrorMessage != "" {
		e := res.ErrorMessage
		run.ErrorMessage = &e
	}
	if len(res.Metadata) > 0 {
		run.Metadata = store.JSONB(res.Metadata)
	}
	o.store.QueueWorkflowRun(run, nil)
}

func (o *orchestrator) storeAgentRun(t *Task, st agents.Subtask, r agents.Result) {
	if o.store == nil {
		return
	}
	run := &store.AgentRun{
		TaskID:       t.ID,
		SubtaskID:    st.ID,
		AgentType:    string(st.AgentType),
		Status:       string(r.Status),
		Output:       r.Output,
		ErrorMessage: r.Error,
		TokensUsed:   r.TokensUsed,
		ModelUsed:    r.ModelUsed,
		CostUSD:      r.CostUSD,
		DurationMs:   r.DurationMs,
	}
	if len(r.Metadata) > 0 {
		run.Metadata = store.JSONB(r.Metadata)
	}
	o.store.QueueAgentRun(run, nil)
}
