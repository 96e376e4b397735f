package pricing

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = `
pricing:
  defaults:
    combined_per_1k: 0.002
  models:
    openai:
      gpt-4o:
        input_per_1k: 0.0025
        output_per_1k: 0.01
      gpt-4o-mini:
        combined_per_1k: 0.0006
    anthropic:
      claude-sonnet:
        input_per_1k: 0.003
        output_per_1k: 0.015
`

func writeTable(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndLookup(t *testing.T) {
	tbl, err := Load(writeTable(t, testTable))
	require.NoError(t, err)

	price, found := tbl.PerTokenForModel("gpt-4o-mini")
	require.True(t, found)
	assert.InDelta(t, 0.0006/1000.0, price, 1e-12)

	// input/output split averaged when no combined rate is given
	price, found = tbl.PerTokenForModel("gpt-4o")
	require.True(t, found)
	assert.InDelta(t, ((0.0025+0.01)/2.0)/1000.0, price, 1e-12)

	_, found = tbl.PerTokenForModel("unknown-model")
	assert.False(t, found)
}

func TestProviderQualifiedLookup(t *testing.T) {
	tbl, err := Load(writeTable(t, testTable))
	require.NoError(t, err)

	price, found := tbl.PerTokenForModel("openai/gpt-4o-mini")
	require.True(t, found)
	assert.InDelta(t, 0.0006/1000.0, price, 1e-12)

	// a qualified name binds to its provider; no cross-provider guessing
	_, found = tbl.PerTokenForModel("anthropic/gpt-4o-mini")
	assert.False(t, found)

	got := tbl.CostForSplit("anthropic/claude-sonnet", 1000, 500)
	assert.InDelta(t, 0.003+0.0075, got, 1e-9)
}

func TestCostForTokens(t *testing.T) {
	tbl, err := Load(writeTable(t, testTable))
	require.NoError(t, err)

	tests := []struct {
		name   string
		model  string
		tokens int
		want   float64
	}{
		{"known model", "gpt-4o-mini", 1000, 0.0006},
		{"unknown model falls back to defaults", "nope", 1000, 0.002},
		{"missing model falls back to defaults", "", 1000, 0.002},
		{"zero tokens", "gpt-4o-mini", 0, 0},
		{"negative tokens clamp to zero", "gpt-4o-mini", -5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tbl.CostForTokens(tt.model, tt.tokens), 1e-9)
		})
	}
}

func TestCostForSplit(t *testing.T) {
	tbl, err := Load(writeTable(t, testTable))
	require.NoError(t, err)

	// 1000 input at 0.003/1k + 500 output at 0.015/1k
	got := tbl.CostForSplit("claude-sonnet", 1000, 500)
	assert.InDelta(t, 0.003+0.0075, got, 1e-9)

	// combined-only model charges the sum at the combined rate
	got = tbl.CostForSplit("gpt-4o-mini", 400, 600)
	assert.InDelta(t, 0.0006, got, 1e-9)

	// unknown model uses the default rate over the sum
	got = tbl.CostForSplit("nope", 500, 500)
	assert.InDelta(t, 0.002, got, 1e-9)
}

func TestEmptyTableUsesFallback(t *testing.T) {
	tbl := Empty()
	assert.InDelta(t, fallbackPerToken, tbl.DefaultPerToken(), 1e-12)
	assert.InDelta(t, fallbackPerToken*1000, tbl.CostForTokens("anything", 1000), 1e-9)
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeTable(t, testTable)
	tbl, err := Load(path)
	require.NoError(t, err)

	updated := `
pricing:
  defaults:
    combined_per_1k: 0.004
  models:
    openai:
      gpt-4o-mini:
        combined_per_1k: 0.0012
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, tbl.Reload())

	price, found := tbl.PerTokenForModel("gpt-4o-mini")
	require.True(t, found)
	assert.InDelta(t, 0.0012/1000.0, price, 1e-12)
	assert.InDelta(t, 0.004/1000.0, tbl.DefaultPerToken(), 1e-12)
	assert.False(t, tbl.ModifiedTime().IsZero())
}

func TestReloadRejectsBadYAML(t *testing.T) {
	path := writeTable(t, testTable)
	tbl, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("pricing: ["), 0o644))
	assert.Error(t, tbl.Reload())

	// previous table still serves lookups
	_, found := tbl.PerTokenForModel("gpt-4o-mini")
	assert.True(t, found)
}

func TestConcurrentLookupsDuringReload(t *testing.T) {
	path := writeTable(t, testTable)
	tbl, err := Load(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = tbl.Reload()
			}
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(200 * time.Millisecond)
			for time.Now().Before(deadline) {
				if c := tbl.CostForTokens("gpt-4o-mini", 100); c < 0 {
					t.Error("negative cost")
					return
				}
			}
		}()
	}

	time.Sleep(250 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestValidateMap(t *testing.T) {
	valid := map[string]interface{}{
		"pricing": map[string]interface{}{
			"defaults": map[string]interface{}{"combined_per_1k": 0.002},
			"models": map[string]interface{}{
				"openai": map[string]interface{}{
					"gpt-4o": map[string]interface{}{"input_per_1k": 0.0025},
				},
			},
		},
	}
	assert.NoError(t, ValidateMap(valid))

	negative := map[string]interface{}{
		"pricing": map[string]interface{}{
			"models": map[string]interface{}{
				"openai": map[string]interface{}{
					"gpt-4o": map[string]interface{}{"output_per_1k": -1.0},
				},
			},
		},
	}
	assert.Error(t, ValidateMap(negative))

	// maps without a pricing section are not this package's concern
	assert.NoError(t, ValidateMap(map[string]interface{}{"other": 1}))
}
