// Package policy gates task submissions through OPA rego policies.
// Policies decide whether a task may run based on its pattern, agent
// mix, and budget; dry-run mode logs what enforcement would have done.
package policy

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/cadrelabs/cadre/internal/metrics"
)

// decisionQuery is the rego document every policy bundle must define.
const decisionQuery = "data.cadre.task.decision"

// Engine defines the policy evaluation interface
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	// Mode returns the current enforcement mode (off|dry-run|enforce)
	Mode() Mode
}

// Input is the context a task submission presents for evaluation.
type Input struct {
	TaskID  string                 `json:"task_id"`
	UserID  string                 `json:"user_id,omitempty"`
	Query   string                 `json:"query"`
	Pattern string                 `json:"pattern"`
	Context map[string]interface{} `json:"context,omitempty"`

	// Resource shape of the planned run. Zero values stay in the JSON
	// so rego comparisons on them are never undefined.
	NumAgents   int      `json:"num_agents"`
	TokenBudget int      `json:"token_budget"`
	AgentTypes  []string `json:"agent_types,omitempty"`

	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`

	// Audit
	AuditTags map[string]string `json:"audit_tags,omitempty"`
}

// OPAEngine implements the Engine interface using OPA rego
type OPAEngine struct {
	config   *Config
	logger   *zap.Logger
	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	enabled  bool
	// simple in-memory LRU cache for decisions
	cache *decisionCache
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// LoadPolicies loads and compiles all policy files from the configured
// directory. Safe to call again on live engines; the config manager's
// .rego watcher uses it for hot reload.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)

	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(e.config.Path, path)
			moduleName := strings.TrimSuffix(relPath, ".rego")
			policies[moduleName] = string(content)

			e.logger.Debug("Loaded policy file",
				zap.String("path", path),
				zap.String("module", moduleName),
			)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}

	regoOptions := []func(*rego.Rego){
		rego.Query(decisionQuery),
	}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	e.mu.Unlock()

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", decisionQuery),
	)

	return nil
}

// Evaluate evaluates the policy against the given input
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed, // fail-open allows, fail-closed denies
		Reason: "policy engine disabled or no policies loaded",
		AuditTags: map[string]string{
			"policy_enabled": fmt.Sprintf("%t", e.enabled),
			"mode":           string(e.config.Mode),
		},
	}

	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	if !e.enabled || compiled == nil {
		return defaultDecision, nil
	}

	if d, ok := e.cache.Get(e.config, input); ok {
		recordDecision(d)
		return d, nil
	}

	inputMap, err := e.inputToMap(input)
	if err != nil {
		e.logger.Error("Failed to convert input to map", zap.Error(err))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := e.parseResults(results, input)
	decision = e.applyMode(decision, input)

	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.String("task_id", input.TaskID),
		zap.String("pattern", input.Pattern),
		zap.String("mode", string(e.config.Mode)),
	)

	recordDecision(decision)
	e.cache.Set(e.config, input, decision)
	return decision, nil
}

func recordDecision(d *Decision) {
	label := "deny"
	if d.Allow {
		label = "allow"
	}
	metrics.PolicyDecisions.WithLabelValues(label).Inc()
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

// inputToMap converts Input to a map for OPA evaluation
func (e *OPAEngine) inputToMap(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseResults parses OPA evaluation results into a Decision
func (e *OPAEngine) parseResults(results rego.ResultSet, input *Input) *Decision {
	decision := &Decision{
		Allow:  false, // Default deny
		Reason: "no matching policy rules",
		AuditTags: map[string]string{
			"task_id": input.TaskID,
			"pattern": input.Pattern,
		},
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
	} else if allow, ok := value.(bool); ok {
		// Simple boolean result
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}

	return decision
}

// applyMode applies the enforcement mode to the policy decision.
func (e *OPAEngine) applyMode(decision *Decision, input *Input) *Decision {
	if decision.AuditTags == nil {
		decision.AuditTags = make(map[string]string)
	}
	decision.AuditTags["mode"] = string(e.config.Mode)

	switch e.config.Mode {
	case ModeEnforce:
		return decision

	case ModeDryRun:
		// Always allow, but keep what enforcement would have done.
		original := *decision
		decision.Allow = true
		if !original.Allow {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", original.Reason)
		} else {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been allowed - %s", original.Reason)
		}

		e.logger.Info("Dry-run policy evaluation",
			zap.Bool("would_allow", original.Allow),
			zap.String("original_reason", original.Reason),
			zap.String("task_id", input.TaskID),
		)
		return decision

	default:
		decision.Allow = !e.config.FailClosed
		decision.Reason = "policy engine disabled"
		return decision
	}
}

// --- internal decision cache (simple LRU with TTL) ---

// The cache key includes environment, mode, pattern, budget shape and a
// hash of the query to avoid query-pattern related false positives.

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List               // MRU at front
	m      map[string]*list.Element // key -> element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(cfg *Config, input *Input) string {
	// Hash query to keep key small
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Query)))
	qh := h.Sum64()
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d|%x",
		cfg.Environment, cfg.Mode, input.UserID, input.Pattern, input.TokenBudget, input.NumAgents, qh,
	)
}

func (c *decisionCache) Get(cfg *Config, input *Input) (*Decision, bool) {
	key := c.makeKey(cfg, input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		// expired
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(cfg *Config, input *Input, d *Decision) {
	key := c.makeKey(cfg, input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		// evict LRU
		lru := c.list.Back()
		if lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
