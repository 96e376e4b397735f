package workflows

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cadrelabs/cadre/agents"
	"github.com/cadrelabs/cadre/internal/budget"
	"github.com/cadrelabs/cadre/internal/graph"
	"github.com/cadrelabs/cadre/internal/metrics"
	"github.com/cadrelabs/cadre/internal/tracing"
	"github.com/cadrelabs/cadre/streaming"
)

// poolOutcome summarizes one execution phase of a workflow pass.
type poolOutcome struct {
	finished  int
	cancelled bool
	timedOut  bool
	failure   *SubtaskFailure
	warnings  []string
}

type completion struct {
	index  int
	result agents.Result
}

// runPool executes the subtasks of one pass under the dependency graph
// with bounded concurrency. wfCtx carries the workflow deadline and gates
// dispatching only; parent carries user cancellation. Running agents are
// never preempted by either: each gets its own context bounded by the
// subtask timeout, and in-flight work is always drained before returning.
//
// The returned results hold one entry per finished subtask, in
// declaration order regardless of completion order. Subtasks that were
// never dispatched have no entry.
func (o *orchestrator) runPool(wfCtx, parent context.Context, t *Task, tasks []agents.Subtask, g *graph.Graph) ([]agents.Result, poolOutcome) {
	var out poolOutcome

	indexOf := make(map[string]int, len(tasks))
	for i, st := range tasks {
		indexOf[st.ID] = i
	}

	slots := make([]agents.Result, len(tasks))
	have := make([]bool, len(tasks))
	dispatched := make([]bool, len(tasks))

	sem := semaphore.NewWeighted(t.Config.concurrency())
	// buffered to capacity so workers never block on the send and the
	// semaphore is always released promptly
	comp := make(chan completion, len(tasks))
	inFlight := 0
	done := 0
	stop := false

	collect := func(c completion) {
		inFlight--
		done++
		slots[c.index], have[c.index] = c.result, true
		g.MarkDone(tasks[c.index].ID)
		t.Emit(streaming.EventProgress, "", streaming.MsgSubtaskProgress(done, len(tasks)), nil)
		if t.Config.FailFast && !c.result.OK() && out.failure == nil {
			out.failure = &SubtaskFailure{SubtaskID: tasks[c.index].ID, Err: errors.New(c.result.Error)}
			stop = true
		}
	}

	for done < len(tasks) && !stop {
		for _, id := range readyToDispatch(g, tasks, indexOf, dispatched) {
			// cancellation and the workflow deadline are honored
			// between dispatches
			if parent.Err() != nil {
				out.cancelled = true
				stop = true
				break
			}
			if wfCtx.Err() != nil {
				out.timedOut = true
				stop = true
				break
			}

			i := indexOf[id]
			st := tasks[i]

			if reason, denied := o.budgetGate(wfCtx, t, st); denied {
				slots[i] = agents.Failed(st, fmt.Errorf("token budget exhausted: %s", reason))
				have[i] = true
				dispatched[i] = true
				done++
				g.MarkDone(st.ID)
				t.Emit(streaming.EventAgentFailed, st.ID, streaming.MsgAgentFailed(st.ID, "token budget exhausted"), nil)
				continue
			}

			if err := sem.Acquire(wfCtx, 1); err != nil {
				if parent.Err() != nil {
					out.cancelled = true
				} else {
					out.timedOut = true
				}
				stop = true
				break
			}

			dispatched[i] = true
			inFlight++
			depCtx := depContext(st, slots, have, indexOf)
			go func(st agents.Subtask, i int, depCtx map[string]interface{}) {
				defer sem.Release(1)
				comp <- completion{index: i, result: o.executeOne(parent, t, st, depCtx)}
			}(st, i, depCtx)
		}

		if stop {
			break
		}
		if inFlight > 0 {
			collect(<-comp)
			// pick up any further buffered completions so the next
			// ready computation sees them all
		drain:
			for inFlight > 0 {
				select {
				case c := <-comp:
					collect(c)
				default:
					break drain
				}
			}
		}
	}

	// drain running agents; their results are part of the workflow
	for inFlight > 0 {
		collect(<-comp)
	}
	out.finished = done

	if out.timedOut {
		if skipped := len(tasks) - done; skipped > 0 {
			out.warnings = append(out.warnings,
				fmt.Sprintf("workflow timeout: %d of %d subtasks were not dispatched", skipped, len(tasks)))
		}
	}

	results := make([]agents.Result, 0, done)
	for i, ok := range have {
		if ok {
			results = append(results, slots[i])
		}
	}
	return results, out
}

// readyToDispatch filters the graph's ready set down to subtasks not yet
// dispatched and orders them by priority, preserving declaration order
// within equal priority.
func readyToDispatch(g *graph.Graph, tasks []agents.Subtask, indexOf map[string]int, dispatched []bool) []string {
	var ids []string
	for _, id := range g.Ready() {
		if !dispatched[indexOf[id]] {
			ids = append(ids, id)
		}
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return tasks[indexOf[ids[a]]].Priority > tasks[indexOf[ids[b]]].Priority
	})
	return ids
}

// depContext exposes finished dependency outputs to a dependent subtask.
// previous_output carries the last successful dependency in declaration
// order, which gives sequential chains their step-to-step handoff.
func depContext(st agents.Subtask, slots []agents.Result, have []bool, indexOf map[string]int) map[string]interface{} {
	if len(st.Dependencies) == 0 {
		return nil
	}
	outs := make(map[string]interface{}, len(st.Dependencies))
	prev := ""
	for _, dep := range st.Dependencies {
		i, ok := indexOf[dep]
		if !ok || !have[i] {
			continue
		}
		if r := slots[i]; r.OK() {
			outs[dep] = r.Output
			prev = r.Output
		} else {
			outs[dep] = fmt.Sprintf("(%s: %s)", r.Status, r.Error)
		}
	}
	depCtx := map[string]interface{}{"dependency_outputs": outs}
	if prev != "" {
		depCtx["previous_output"] = prev
	}
	return depCtx
}

// budgetGate checks the token budget before a dispatch and applies any
// backpressure delay. A denial consumes the subtask's result slot.
func (o *orchestrator) budgetGate(ctx context.Context, t *Task, st agents.Subtask) (string, bool) {
	if o.budget == nil {
		return "", false
	}
	chk, err := o.budget.Check(t.ID, st.EstimatedTokens)
	if err != nil {
		return err.Error(), true
	}
	if !chk.Allowed {
		return chk.Reason, true
	}
	if chk.BackpressureActive {
		if t.Config.TokenBudget > 0 && chk.Remaining >= 0 {
			t.Emit(streaming.EventProgress, "",
				streaming.MsgBudget(t.Config.TokenBudget-chk.Remaining, t.Config.TokenBudget), nil)
		}
		_ = o.budget.Wait(ctx, chk)
	}
	// The dispatch limiter, when configured, paces admissions. A context
	// error here surfaces through the semaphore acquire that follows.
	_ = o.budget.WaitRateLimit(ctx, t.ID)
	return "", false
}

// executeOne runs a single subtask through its executor and normalizes
// the outcome into a result. It never returns an error: failures,
// timeouts, and panics all become failed results.
func (o *orchestrator) executeOne(parent context.Context, t *Task, st agents.Subtask, depCtx map[string]interface{}) agents.Result {
	exec, ok := o.executors.Get(st.AgentType)
	if !ok {
		// Validate runs before dispatch; this only trips when the
		// registry changed mid-flight
		return agents.Failed(st, fmt.Errorf("no executor registered for agent type %q", st.AgentType))
	}
	if t.Config.Retry != nil {
		exec = agents.WithRetry(exec, *t.Config.Retry)
	}

	wfContext := make(map[string]interface{}, len(t.Input.Context)+len(depCtx)+1)
	for k, v := range t.Input.Context {
		wfContext[k] = v
	}
	for k, v := range depCtx {
		wfContext[k] = v
	}
	wfContext["query"] = t.Input.Query

	// Running agents are never preempted: the subtask context survives
	// workflow cancellation and is bounded only by the subtask timeout.
	runCtx := context.WithoutCancel(parent)
	if t.Config.SubtaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, t.Config.SubtaskTimeout)
		defer cancel()
	}
	runCtx, span := tracing.StartAgentSpan(runCtx, st.ID, string(st.AgentType))
	defer span.End()

	t.Emit(streaming.EventAgentStarted, st.ID, streaming.MsgAgentRunning(string(st.AgentType)),
		map[string]interface{}{"agent_type": string(st.AgentType)})

	start := time.Now()
	res := runExecutor(runCtx, exec, st, wfContext)
	res.DurationMs = time.Since(start).Milliseconds()
	if res.AgentID == "" {
		res.AgentID = st.ID
	}

	if res.CostUSD == 0 && res.TokensUsed > 0 && o.pricing != nil {
		if res.InputTokens > 0 || res.OutputTokens > 0 {
			res.CostUSD = o.pricing.CostForSplit(res.ModelUsed, res.InputTokens, res.OutputTokens)
		} else {
			res.CostUSD = o.pricing.CostForTokens(res.ModelUsed, res.TokensUsed)
		}
	}
	if o.budget != nil && res.TokensUsed > 0 {
		o.budget.Record(t.ID, budget.Usage{
			AgentID:      res.AgentID,
			Model:        res.ModelUsed,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			TotalTokens:  res.TokensUsed,
			CostUSD:      res.CostUSD,
			Timestamp:    time.Now(),
		})
	}

	metrics.RecordAgentMetrics(string(st.AgentType), string(res.Status), float64(res.DurationMs))

	if res.OK() {
		t.Emit(streaming.EventAgentCompleted, st.ID, streaming.MsgAgentDone(res.AgentID, res.TokensUsed), nil)
	} else {
		t.Emit(streaming.EventAgentFailed, st.ID, streaming.MsgAgentFailed(res.AgentID, res.Error), nil)
	}
	o.storeAgentRun(t, st, res)
	return res
}

// runExecutor isolates executor panics and folds errors into results.
func runExecutor(ctx context.Context, exec agents.Executor, st agents.Subtask, wfContext map[string]interface{}) (res agents.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = agents.Failed(st, fmt.Errorf("executor panic: %v", r))
		}
	}()
	r, err := exec.Execute(ctx, st, wfContext)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return agents.TimedOut(st)
		}
		return agents.Failed(st, err)
	}
	if r.Status == "" {
		r.Status = agents.StatusSuccess
	}
	return r
}
