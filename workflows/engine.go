package workflows

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cadrelabs/cadre/agents"
	"github.com/cadrelabs/cadre/internal/budget"
	"github.com/cadrelabs/cadre/internal/config"
	"github.com/cadrelabs/cadre/internal/metrics"
	"github.com/cadrelabs/cadre/internal/policy"
	"github.com/cadrelabs/cadre/internal/pricing"
	"github.com/cadrelabs/cadre/internal/store"
	"github.com/cadrelabs/cadre/internal/tracing"
	"github.com/cadrelabs/cadre/streaming"
)

// Options wires an Engine. Executors is the only required field. Nil
// collaborators are built from Features: the pricing table from
// pricing_path, the budget manager from the budget block, and, when
// their sections enable them, the run store, the policy gate, and a
// Redis Streams mirror on the engine-owned event manager. Collaborators
// passed in explicitly are used as-is and left to their owners on
// Close.
type Options struct {
	// Executors maps agent types to their implementations.
	Executors *agents.Registry
	// Patterns defaults to DefaultRegistry().
	Patterns *Registry
	// Streams defaults to a manager owned (and closed) by the engine.
	Streams *streaming.Manager
	// Budget tracks usage and enforces per-task token budgets.
	Budget *budget.Manager
	// Pricing fills result costs.
	Pricing *pricing.Table
	// Store persists workflow and agent runs.
	Store *store.Store
	// Policy gates submissions.
	Policy policy.Engine
	// DocGen renders final syntheses into artifacts when set.
	DocGen DocumentGenerator
	// Features supplies workflow defaults; defaults to config.Defaults().
	Features *config.Features
	Logger   *zap.Logger
}

// Engine accepts task submissions, runs each through its pattern, and
// tracks active workflows for cancellation. All dependencies are
// explicit; there is no package-level engine.
type Engine struct {
	orch      *orchestrator
	patterns  *Registry
	policy    policy.Engine
	streams   *streaming.Manager
	budget    *budget.Manager
	defaults  config.WorkflowDefaults
	budgetCfg config.BudgetConfig
	logger    *zap.Logger

	ownsStreams bool
	ownsStore   bool
	store       *store.Store
	redisc      *redis.Client

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Executors == nil {
		return nil, fmt.Errorf("workflows: Executors is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	features := opts.Features
	if features == nil {
		features = config.Defaults()
	}
	patterns := opts.Patterns
	if patterns == nil {
		patterns = DefaultRegistry()
	}

	table := opts.Pricing
	if table == nil {
		table = pricing.Empty()
		if path := features.PricingPath; path != "" {
			if loaded, err := pricing.Load(path); err == nil {
				table = loaded
			} else {
				logger.Warn("Pricing table unavailable, using default rates",
					zap.String("path", path), zap.Error(err))
			}
		}
	}

	bud := opts.Budget
	if bud == nil {
		bud = budget.NewManager(table, logger, budget.Options{
			BackpressureThreshold: features.Budget.Backpressure.Threshold,
			MaxBackpressureDelay:  time.Duration(features.Budget.Backpressure.MaxDelayMs) * time.Millisecond,
		})
	}

	st := opts.Store
	ownsStore := false
	if st == nil && features.Store.Enabled {
		opened, err := store.Open(store.Config{
			Driver: features.Store.Driver,
			DSN:    features.Store.DSN,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open run store: %w", err)
		}
		if err := opened.Migrate(context.Background()); err != nil {
			_ = opened.Close()
			return nil, fmt.Errorf("migrate run store: %w", err)
		}
		st = opened
		ownsStore = true
	}

	pol := opts.Policy
	if pol == nil && features.Policy.Enabled {
		gate, err := policy.NewOPAEngine(&policy.Config{
			Enabled:     true,
			Mode:        policy.Mode(features.Policy.Mode),
			Path:        features.Policy.Path,
			FailClosed:  features.Policy.FailClosed,
			Environment: features.Policy.Environment,
		}, logger)
		if err != nil {
			if ownsStore {
				_ = st.Close()
			}
			return nil, fmt.Errorf("policy engine: %w", err)
		}
		pol = gate
	}

	streams := opts.Streams
	ownsStreams := false
	var redisc *redis.Client
	if streams == nil {
		mopts := streaming.Options{
			RingCapacity:     features.Streaming.RingCapacity,
			SubscriberBuffer: features.Streaming.SubscriberBuffer,
			Policy:           streaming.BackpressurePolicy(features.Streaming.BackpressurePolicy),
			BlockTimeout:     time.Duration(features.Streaming.BlockTimeoutMs) * time.Millisecond,
			Logger:           logger,
		}
		if features.Redis.Enabled && features.Redis.Addr != "" {
			redisc = redis.NewClient(&redis.Options{Addr: features.Redis.Addr})
			mopts.Mirror = streaming.NewRedisStreams(redisc, logger, features.Redis.StreamMaxLen)
		}
		streams = streaming.NewManager(mopts)
		ownsStreams = true
	}

	return &Engine{
		orch: &orchestrator{
			executors: opts.Executors,
			streams:   streams,
			budget:    bud,
			pricing:   table,
			store:     st,
			docgen:    opts.DocGen,
			eval:      newEvalCache(),
			logger:    logger,
		},
		patterns:    patterns,
		policy:      pol,
		streams:     streams,
		budget:      bud,
		defaults:    features.Workflow,
		budgetCfg:   features.Budget,
		logger:      logger,
		ownsStreams: ownsStreams,
		ownsStore:   ownsStore,
		store:       st,
		redisc:      redisc,
		cancels:     make(map[string]context.CancelFunc),
	}, nil
}

// Submit runs one task to completion and returns its assembled result.
// It blocks for the duration of the workflow; callers wanting
// fire-and-forget run it in a goroutine and follow progress through
// Subscribe.
//
// Pre-run rejections (bad config, unknown pattern, policy denial)
// return a nil result. Once execution starts the result is always
// non-nil, with the error mirroring the result's failure state.
func (e *Engine) Submit(ctx context.Context, in TaskInput) (*WorkflowResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is closed")
	}
	e.mu.Unlock()

	if in.TaskID == "" {
		in.TaskID = uuid.NewString()
	}
	taskID := in.TaskID

	cfg := in.Config
	cfg.applyDefaults(e.defaults)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pat, ok := e.patterns.Get(cfg.Pattern)
	if !ok {
		return nil, &ConfigurationError{
			Field:  "pattern",
			Reason: fmt.Sprintf("unknown pattern %q (registered: %v)", cfg.Pattern, e.patterns.Names()),
		}
	}
	if cv, ok := pat.(configValidator); ok {
		if err := cv.validateConfig(cfg); err != nil {
			return nil, err
		}
	}
	// compile condition and predicate expressions up front so syntax
	// errors reject the submission instead of failing it mid-run
	if cfg.Evaluator != "" {
		if _, err := e.orch.eval.program(cfg.Evaluator); err != nil {
			return nil, &ConfigurationError{Field: "evaluator", Reason: err.Error()}
		}
	}
	if cfg.SuccessExpr != "" {
		if _, err := e.orch.eval.program(cfg.SuccessExpr); err != nil {
			return nil, &ConfigurationError{Field: "success_expr", Reason: err.Error()}
		}
	}

	if e.policy != nil && e.policy.IsEnabled() {
		dec, err := e.policy.Evaluate(ctx, &policy.Input{
			TaskID:      taskID,
			UserID:      in.UserID,
			Query:       in.Query,
			Pattern:     cfg.Pattern,
			Context:     in.Context,
			NumAgents:   cfg.NumAgents,
			TokenBudget: cfg.TokenBudget,
			Timestamp:   time.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("policy evaluation: %w", err)
		}
		if !dec.Allow {
			return nil, fmt.Errorf("task rejected by policy: %s", dec.Reason)
		}
	}

	metrics.TasksSubmitted.Inc()
	metrics.WorkflowsStarted.WithLabelValues(cfg.Pattern).Inc()

	if e.budget != nil {
		e.budget.OpenTask(taskID, cfg.TokenBudget)
		if rl := e.budgetCfg.RateLimit; rl.PerSecond > 0 {
			e.budget.SetRateLimit(taskID, rl.PerSecond, rl.Burst)
		}
		defer func() {
			totals := e.budget.CloseTask(taskID)
			e.logger.Debug("Budget closed",
				zap.String("task_id", taskID),
				zap.Int("tokens", totals.Tokens),
				zap.Float64("cost_usd", totals.CostUSD))
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[taskID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, taskID)
		e.mu.Unlock()
	}()

	runCtx, span := tracing.StartWorkflowSpan(runCtx, cfg.Pattern, taskID)
	defer span.End()

	t := &Task{
		ID:      taskID,
		Input:   in,
		Config:  cfg,
		pattern: pat,
		orch:    e.orch,
		log:     e.logger.With(zap.String("task_id", taskID), zap.String("pattern", cfg.Pattern)),
		meta:    make(map[string]interface{}),
	}
	return e.orch.execute(runCtx, t)
}

// Cancel requests cancellation of an active workflow. It returns false
// when no workflow with that ID is running. The workflow winds down on
// its own: running agents finish, then Submit returns a cancelled
// result carrying the partial outcomes.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.cancels[taskID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Subscribe streams the live events of a task.
func (e *Engine) Subscribe(taskID string, buffer int) chan streaming.Event {
	return e.streams.Subscribe(taskID, buffer)
}

func (e *Engine) Unsubscribe(taskID string, ch chan streaming.Event) {
	e.streams.Unsubscribe(taskID, ch)
}

// ReplaySince returns buffered events of a task newer than seq; since 0
// replays everything still in the window.
func (e *Engine) ReplaySince(taskID string, since uint64) []streaming.Event {
	return e.streams.ReplaySince(taskID, since)
}

// Release drops the retained event history of a finished task. History
// is kept after completion so late subscribers can still replay it;
// long-lived engines release tasks once consumers are done.
func (e *Engine) Release(taskID string) {
	e.streams.CloseTask(taskID)
}

// Patterns returns the names of the registered patterns.
func (e *Engine) Patterns() []string {
	return e.patterns.Names()
}

// Close cancels every active workflow and shuts down resources the
// engine owns. Injected stores and stream managers are left to their
// owners.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	for _, c := range e.cancels {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if e.ownsStreams {
		e.streams.Close()
	}
	// the stream manager's mirror worker uses this client, so it goes last
	if e.redisc != nil {
		_ = e.redisc.Close()
	}
	if e.ownsStore && e.store != nil {
		_ = e.store.Close()
	}
}
