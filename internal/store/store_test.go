package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

func strptr(s string) *string { return &s }

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		s.Close()
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestSaveWorkflowRunUpsert(t *testing.T) {
	s := newSQLiteStore(t)
	defer s.Close()
	ctx := context.Background()

	started := time.Now().Add(-2 * time.Second)
	running := &WorkflowRun{
		TaskID:    "task-1",
		Pattern:   "hierarchical",
		Query:     "summarize the findings",
		Status:    "running",
		StartedAt: started,
	}
	if err := s.SaveWorkflowRun(ctx, running); err != nil {
		t.Fatalf("save running: %v", err)
	}

	completedAt := time.Now()
	dur := int64(2000)
	done := &WorkflowRun{
		TaskID:       "task-1",
		Pattern:      "hierarchical",
		Query:        "summarize the findings",
		Status:       "completed",
		Result:       strptr("the findings are good"),
		TotalTokens:  1234,
		TotalCostUSD: 0.05,
		DurationMs:   &dur,
		AgentsUsed:   3,
		Metadata:     JSONB{"tier2_count": 2},
		StartedAt:    started,
		CompletedAt:  &completedAt,
	}
	if err := s.SaveWorkflowRun(ctx, done); err != nil {
		t.Fatalf("save completed: %v", err)
	}

	got, err := s.GetWorkflowRun(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a row")
	}
	if got.Status != "completed" {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.Result == nil || *got.Result != "the findings are good" {
		t.Fatalf("result = %v", got.Result)
	}
	if got.TotalTokens != 1234 || got.AgentsUsed != 3 {
		t.Fatalf("metrics not updated: %+v", got)
	}
	if got.Metadata["tier2_count"] == nil {
		t.Fatalf("metadata not stored: %+v", got.Metadata)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	// Two saves, still one row.
	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 row, got %d", len(runs))
	}
}

func TestSaveWorkflowRunLateStartKeepsResult(t *testing.T) {
	s := newSQLiteStore(t)
	defer s.Close()
	ctx := context.Background()

	completedAt := time.Now()
	done := &WorkflowRun{
		TaskID:      "task-2",
		Pattern:     "sequential",
		Status:      "completed",
		Result:      strptr("final answer"),
		Metadata:    JSONB{"steps": 3},
		CompletedAt: &completedAt,
	}
	if err := s.SaveWorkflowRun(ctx, done); err != nil {
		t.Fatalf("save completed: %v", err)
	}

	// A duplicate start-of-run write carries no result or metadata; the
	// recorded completion must survive it.
	late := &WorkflowRun{
		TaskID:  "task-2",
		Pattern: "sequential",
		Status:  "completed",
	}
	if err := s.SaveWorkflowRun(ctx, late); err != nil {
		t.Fatalf("save late: %v", err)
	}

	got, err := s.GetWorkflowRun(ctx, "task-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Result == nil || *got.Result != "final answer" {
		t.Fatalf("result overwritten: %v", got.Result)
	}
	if got.Metadata["steps"] == nil {
		t.Fatalf("metadata overwritten: %+v", got.Metadata)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at overwritten")
	}
}

func TestGetWorkflowRunMissing(t *testing.T) {
	s := newSQLiteStore(t)
	defer s.Close()

	got, err := s.GetWorkflowRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing run, got %+v", got)
	}
}

func TestAgentRunsForTaskOrdering(t *testing.T) {
	s := newSQLiteStore(t)
	defer s.Close()
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, sub := range []string{"t0", "t1", "t2"} {
		run := &AgentRun{
			TaskID:    "task-3",
			SubtaskID: sub,
			AgentType: "research",
			Status:    "success",
			Output:    "out-" + sub,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveAgentRun(ctx, run); err != nil {
			t.Fatalf("save agent run %s: %v", sub, err)
		}
	}
	// A run for another task must not leak in.
	other := &AgentRun{TaskID: "task-4", SubtaskID: "x", AgentType: "analysis", Status: "failed"}
	if err := s.SaveAgentRun(ctx, other); err != nil {
		t.Fatalf("save other: %v", err)
	}

	runs, err := s.AgentRunsForTask(ctx, "task-3")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, sub := range []string{"t0", "t1", "t2"} {
		if runs[i].SubtaskID != sub {
			t.Fatalf("runs[%d].SubtaskID = %q, want %q", i, runs[i].SubtaskID, sub)
		}
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	s := newSQLiteStore(t)
	defer s.Close()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		run := &WorkflowRun{
			TaskID:    id,
			Pattern:   "sequential",
			Status:    "completed",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveWorkflowRun(ctx, run); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	runs, err := s.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].TaskID != "new" || runs[1].TaskID != "mid" {
		t.Fatalf("unexpected order: %s, %s", runs[0].TaskID, runs[1].TaskID)
	}
}

func TestQueueWorkflowRunAsync(t *testing.T) {
	s := newSQLiteStore(t)
	defer s.Close()

	doneCh := make(chan error, 1)
	s.QueueWorkflowRun(&WorkflowRun{
		TaskID:  "task-5",
		Pattern: "swarm",
		Status:  "running",
	}, func(err error) { doneCh <- err })

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("async write failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async write never completed")
	}

	got, err := s.GetWorkflowRun(context.Background(), "task-5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != "running" {
		t.Fatalf("queued run not persisted: %+v", got)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	s := newSQLiteStore(t)

	results := make(chan error, 3)
	for _, id := range []string{"d1", "d2", "d3"} {
		s.QueueWorkflowRun(&WorkflowRun{TaskID: id, Pattern: "sequential", Status: "completed"},
			func(err error) { results <- err })
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("queued write %d failed: %v", i, err)
			}
		default:
			t.Fatalf("write %d not flushed before Close returned", i)
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"}, nil)
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSaveWorkflowRunSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	s := New(sqlx.NewDb(db, "sqlmock"), zaptest.NewLogger(t), 4)
	defer s.Close()

	completedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	run := &WorkflowRun{
		ID:           "run-id",
		TaskID:       "task-9",
		Pattern:      "conditional",
		Query:        "route this",
		Status:       "completed",
		Result:       strptr("took the default branch"),
		TotalTokens:  10,
		TotalCostUSD: 0.001,
		AgentsUsed:   1,
		StartedAt:    completedAt.Add(-time.Second),
		CompletedAt:  &completedAt,
		CreatedAt:    completedAt,
	}

	mock.ExpectExec("INSERT INTO workflow_runs").
		WithArgs(
			"run-id", "task-9", "conditional", "route this", "completed",
			"took the default branch", nil, 10, 0.001,
			nil, 1, nil,
			run.StartedAt, completedAt, completedAt,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.SaveWorkflowRun(context.Background(), run); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveAgentRunPropagatesError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	s := New(sqlx.NewDb(db, "sqlmock"), zaptest.NewLogger(t), 4)
	defer s.Close()

	mock.ExpectExec("INSERT INTO agent_runs").
		WillReturnError(context.DeadlineExceeded)

	saveErr := s.SaveAgentRun(context.Background(), &AgentRun{
		TaskID:    "task-10",
		SubtaskID: "t0",
		AgentType: "research",
		Status:    "failed",
	})
	if saveErr == nil {
		t.Fatal("expected error from failed insert")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	if err := j.Scan([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if j["a"] == nil {
		t.Fatalf("bytes not decoded: %+v", j)
	}

	var fromText JSONB
	if err := fromText.Scan(`{"b":"x"}`); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if fromText["b"] != "x" {
		t.Fatalf("string not decoded: %+v", fromText)
	}

	var fromNil JSONB
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if fromNil != nil {
		t.Fatalf("nil should clear the map: %+v", fromNil)
	}

	if err := fromNil.Scan(42); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}
