package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaults(t *testing.T) {
	f := Defaults()
	assert.Equal(t, 5, f.Workflow.MaxConcurrentAgents)
	assert.True(t, f.Workflow.ParallelExecution)
	assert.Equal(t, "drop_oldest", f.Streaming.BackpressurePolicy)
	assert.Equal(t, "off", f.Policy.Mode)
	assert.NoError(t, f.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	content := `
workflow:
  num_agents: 7
  max_concurrent_agents: 3
  subtask_timeout_seconds: 60
streaming:
  backpressure_policy: block_with_timeout
  block_timeout_ms: 250
budget:
  backpressure:
    threshold: 0.9
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	f, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 7, f.Workflow.NumAgents)
	assert.Equal(t, 3, f.Workflow.MaxConcurrentAgents)
	assert.Equal(t, 60, f.Workflow.SubtaskTimeoutSeconds)
	assert.Equal(t, "block_with_timeout", f.Streaming.BackpressurePolicy)
	assert.Equal(t, 250, f.Streaming.BlockTimeoutMs)
	assert.InDelta(t, 0.9, f.Budget.Backpressure.Threshold, 1e-9)
	// untouched fields keep defaults
	assert.Equal(t, 1800, f.Workflow.WorkflowTimeoutSeconds)
}

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	f, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Workflow, f.Workflow)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CADRE_MAX_CONCURRENT_AGENTS", "9")
	t.Setenv("CADRE_BACKPRESSURE_THRESHOLD", "0.75")
	t.Setenv("CADRE_POLICY_MODE", "dry-run")

	f, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9, f.Workflow.MaxConcurrentAgents)
	assert.InDelta(t, 0.75, f.Budget.Backpressure.Threshold, 1e-9)
	assert.Equal(t, "dry-run", f.Policy.Mode)
}

func TestBuildLogger(t *testing.T) {
	f := Defaults()
	logger, err := f.BuildLogger()
	require.NoError(t, err)
	_ = logger.Sync()

	f.Observability.Logging.Level = "debug"
	f.Observability.Logging.Format = "console"
	logger, err = f.BuildLogger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	f.Observability.Logging.Level = "loud"
	_, err = f.BuildLogger()
	assert.Error(t, err)

	f.Observability.Logging.Level = "info"
	f.Observability.Logging.Format = "xml"
	_, err = f.BuildLogger()
	assert.Error(t, err)
}

func TestTracingConfigMapping(t *testing.T) {
	t.Setenv("CADRE_OTLP_ENDPOINT", "collector:4317")

	f, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	tc := f.TracingConfig()
	assert.True(t, tc.Enabled)
	assert.Equal(t, "collector:4317", tc.OTLPEndpoint)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Features)
	}{
		{"zero concurrency", func(f *Features) { f.Workflow.MaxConcurrentAgents = 0 }},
		{"zero agents", func(f *Features) { f.Workflow.NumAgents = 0 }},
		{"zero group size", func(f *Features) { f.Workflow.GroupSize = 0 }},
		{"bad backpressure policy", func(f *Features) { f.Streaming.BackpressurePolicy = "drop_newest" }},
		{"bad policy mode", func(f *Features) { f.Policy.Mode = "audit" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Defaults()
			tt.mutate(f)
			assert.Error(t, f.Validate())
		})
	}
}

func TestManagerLoadsAndWatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  num_agents: 2\n"), 0o644))

	m, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)

	changed := make(chan ChangeEvent, 4)
	m.RegisterHandler("features.yaml", func(ev ChangeEvent) error {
		changed <- ev
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// initial load fires a handler and populates the snapshot
	select {
	case ev := <-changed:
		assert.Equal(t, "initial_load", ev.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial load event")
	}

	cfg, ok := m.GetConfig("features.yaml")
	require.True(t, ok)
	assert.Contains(t, cfg, "workflow")

	// a write is picked up by the watcher
	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  num_agents: 4\n"), 0o644))
	select {
	case ev := <-changed:
		assert.NotEmpty(t, ev.Action)
	case <-time.After(3 * time.Second):
		t.Fatal("no change event after write")
	}
}

func TestManagerValidatorBlocksBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ok: true\n"), 0o644))

	m, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)
	m.RegisterValidator("features.yaml", func(cfg map[string]interface{}) error {
		if _, bad := cfg["bad"]; bad {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// a reload that fails validation keeps the previous snapshot
	require.NoError(t, os.WriteFile(path, []byte("bad: true\n"), 0o644))
	assert.Error(t, m.ReloadConfig("features.yaml"))

	cfg, ok := m.GetConfig("features.yaml")
	require.True(t, ok)
	assert.Contains(t, cfg, "ok")
	assert.NotContains(t, cfg, "bad")
}

func TestManagerPolicyHandler(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)

	reloaded := make(chan struct{}, 4)
	m.RegisterPolicyHandler(func() error {
		reloaded <- struct{}{}
		return nil
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "admit.rego"), []byte("package cadre\n"), 0o644))
	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("policy handler not invoked")
	}
}
