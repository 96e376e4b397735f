package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cadrelabs/cadre/internal/metrics"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds run store configuration.
type Config struct {
	Driver    string
	DSN       string
	QueueSize int
	MaxConns  int
	MaxIdle   int
}

// Store persists workflow and agent runs. Writes go through a buffered
// queue drained by a single writer goroutine so records for the same task
// apply in submission order.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan writeRequest
	stopCh     chan struct{}
	writerWg   sync.WaitGroup
}

type writeRequest struct {
	Kind     string
	Data     interface{}
	Callback func(error)
}

const (
	kindWorkflowRun = "workflow_run"
	kindAgentRun    = "agent_run"
)

// Open connects to the configured database and starts the write queue.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 25
	}
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = 5
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// SQLite serializes writers; a second pooled connection to an
		// in-memory DSN would also see a different database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxIdle)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db, logger, cfg.QueueSize)

	logger.Info("Run store initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("queue_size", cap(s.writeQueue)),
	)

	return s, nil
}

// New wraps an existing connection and starts the writer goroutine.
func New(db *sqlx.DB, logger *zap.Logger, queueSize int) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	s := &Store{
		db:         db,
		logger:     logger,
		writeQueue: make(chan writeRequest, queueSize),
		stopCh:     make(chan struct{}),
	}

	s.writerWg.Add(1)
	go s.writeWorker()

	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	pattern TEXT NOT NULL,
	query TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	result TEXT,
	error_message TEXT,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms BIGINT,
	agents_used INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_created_at ON workflow_runs (created_at);

CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	subtask_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	status TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	model_used TEXT NOT NULL DEFAULT '',
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_task_id ON agent_runs (task_id);
`

// Migrate creates the schema if it does not exist. Metadata columns are
// declared TEXT so the same DDL runs on both drivers; the JSONB type
// scans either representation.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate run store: %w", err)
	}
	return nil
}

// writeWorker drains the queue until Close.
func (s *Store) writeWorker() {
	defer s.writerWg.Done()

	for {
		select {
		case <-s.stopCh:
			s.drainQueue()
			return
		case req := <-s.writeQueue:
			metrics.StoreQueueDepth.Set(float64(len(s.writeQueue)))
			s.processWrite(req)
		}
	}
}

// drainQueue processes remaining requests during shutdown.
func (s *Store) drainQueue() {
	timeout := time.After(10 * time.Second)

	for {
		select {
		case req := <-s.writeQueue:
			s.processWrite(req)
		case <-timeout:
			dropped := len(s.writeQueue)
			if dropped > 0 {
				s.logger.Warn("Timeout draining store queue", zap.Int("dropped", dropped))
				for i := 0; i < dropped; i++ {
					req := <-s.writeQueue
					metrics.StoreWrites.WithLabelValues(req.Kind, "dropped").Inc()
					if req.Callback != nil {
						req.Callback(fmt.Errorf("store shutting down"))
					}
				}
			}
			return
		default:
			metrics.StoreQueueDepth.Set(0)
			return
		}
	}
}

func (s *Store) processWrite(req writeRequest) {
	var err error

	switch req.Kind {
	case kindWorkflowRun:
		if run, ok := req.Data.(*WorkflowRun); ok {
			err = s.SaveWorkflowRun(context.Background(), run)
		}
	case kindAgentRun:
		if run, ok := req.Data.(*AgentRun); ok {
			err = s.SaveAgentRun(context.Background(), run)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}

	if err != nil {
		metrics.StoreWrites.WithLabelValues(req.Kind, "error").Inc()
		s.logger.Error("Failed to process store write",
			zap.String("kind", req.Kind),
			zap.Error(err),
		)
	} else {
		metrics.StoreWrites.WithLabelValues(req.Kind, "ok").Inc()
	}
}

func (s *Store) queueWrite(kind string, data interface{}, callback func(error)) {
	select {
	case s.writeQueue <- writeRequest{Kind: kind, Data: data, Callback: callback}:
		metrics.StoreQueueDepth.Set(float64(len(s.writeQueue)))
	default:
		// Queue is full, fall back to a synchronous write instead of
		// dropping the record.
		s.logger.Warn("Store queue is full, writing synchronously",
			zap.String("kind", kind))
		s.processWrite(writeRequest{Kind: kind, Data: data, Callback: callback})
	}
}

// QueueWorkflowRun persists a workflow run asynchronously. The optional
// callback fires with the write result.
func (s *Store) QueueWorkflowRun(run *WorkflowRun, callback func(error)) {
	s.queueWrite(kindWorkflowRun, run, callback)
}

// QueueAgentRun persists an agent run asynchronously.
func (s *Store) QueueAgentRun(run *AgentRun, callback func(error)) {
	s.queueWrite(kindAgentRun, run, callback)
}

// SaveWorkflowRun saves or updates a workflow run record (idempotent by
// task_id). Nullable completion fields only overwrite when set, so a late
// start-of-run write cannot erase a recorded result.
func (s *Store) SaveWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	query := s.db.Rebind(`
		INSERT INTO workflow_runs (
			id, task_id, pattern, query, status,
			result, error_message, total_tokens, total_cost_usd,
			duration_ms, agents_used, metadata,
			started_at, completed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = COALESCE(EXCLUDED.result, workflow_runs.result),
			error_message = COALESCE(EXCLUDED.error_message, workflow_runs.error_message),
			total_tokens = EXCLUDED.total_tokens,
			total_cost_usd = EXCLUDED.total_cost_usd,
			duration_ms = COALESCE(EXCLUDED.duration_ms, workflow_runs.duration_ms),
			agents_used = EXCLUDED.agents_used,
			metadata = COALESCE(EXCLUDED.metadata, workflow_runs.metadata),
			completed_at = COALESCE(EXCLUDED.completed_at, workflow_runs.completed_at)`)

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.TaskID, run.Pattern, run.Query, run.Status,
		run.Result, run.ErrorMessage, run.TotalTokens, run.TotalCostUSD,
		run.DurationMs, run.AgentsUsed, run.Metadata,
		run.StartedAt, run.CompletedAt, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow run: %w", err)
	}

	s.logger.Debug("Workflow run saved",
		zap.String("task_id", run.TaskID),
		zap.String("status", run.Status),
	)

	return nil
}

// SaveAgentRun saves an agent run record.
func (s *Store) SaveAgentRun(ctx context.Context, run *AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	query := s.db.Rebind(`
		INSERT INTO agent_runs (
			id, task_id, subtask_id, agent_type, status,
			output, error_message, tokens_used, model_used, cost_usd,
			duration_ms, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.TaskID, run.SubtaskID, run.AgentType, run.Status,
		run.Output, run.ErrorMessage, run.TokensUsed, run.ModelUsed, run.CostUSD,
		run.DurationMs, run.Metadata, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save agent run: %w", err)
	}

	return nil
}

// GetWorkflowRun retrieves a workflow run by task ID. Returns nil when no
// row exists.
func (s *Store) GetWorkflowRun(ctx context.Context, taskID string) (*WorkflowRun, error) {
	var run WorkflowRun

	query := s.db.Rebind(`
		SELECT id, task_id, pattern, query, status,
			result, error_message, total_tokens, total_cost_usd,
			duration_ms, agents_used, metadata,
			started_at, completed_at, created_at
		FROM workflow_runs
		WHERE task_id = ?`)

	err := s.db.GetContext(ctx, &run, query, taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}

	return &run, nil
}

// RecentRuns lists the most recent workflow runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]WorkflowRun, error) {
	if limit <= 0 {
		limit = 20
	}

	var runs []WorkflowRun

	query := s.db.Rebind(`
		SELECT id, task_id, pattern, query, status,
			result, error_message, total_tokens, total_cost_usd,
			duration_ms, agents_used, metadata,
			started_at, completed_at, created_at
		FROM workflow_runs
		ORDER BY created_at DESC, task_id DESC
		LIMIT ?`)

	if err := s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}

	return runs, nil
}

// AgentRunsForTask lists the agent runs recorded for a task, oldest first.
func (s *Store) AgentRunsForTask(ctx context.Context, taskID string) ([]AgentRun, error) {
	var runs []AgentRun

	query := s.db.Rebind(`
		SELECT id, task_id, subtask_id, agent_type, status,
			output, error_message, tokens_used, model_used, cost_usd,
			duration_ms, metadata, created_at
		FROM agent_runs
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC`)

	if err := s.db.SelectContext(ctx, &runs, query, taskID); err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}

	return runs, nil
}

// Close stops the writer, drains pending writes, and closes the database.
func (s *Store) Close() error {
	close(s.stopCh)
	s.writerWg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close run store: %w", err)
	}

	s.logger.Info("Run store closed")
	return nil
}
