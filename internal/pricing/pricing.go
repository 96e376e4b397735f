// Package pricing computes USD cost for token usage from a YAML model table.
package pricing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cadrelabs/cadre/internal/metrics"
)

// modelEntry is one model's rates in config/models.yaml.
type modelEntry struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

// tableConfig mirrors the pricing section of config/models.yaml.
type tableConfig struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]modelEntry `yaml:"models"`
	} `yaml:"pricing"`
}

// fallbackPerToken is used when no table entry or default applies,
// $0.002 per 1K tokens.
const fallbackPerToken = 0.000002

// Table holds loaded model pricing. Construct one per engine; there is no
// package-level instance.
type Table struct {
	mu   sync.RWMutex
	cfg  tableConfig
	path string
}

// Empty returns a table with no entries; every lookup falls back to the
// built-in default rate.
func Empty() *Table {
	return &Table{}
}

// Load reads the pricing table from path. An empty path searches
// CADRE_PRICING_PATH, ./config/models.yaml, and then walks parent
// directories, so tests and tools work from package subdirectories.
func Load(path string) (*Table, error) {
	t := &Table{}
	resolved := resolvePath(path)
	if resolved == "" {
		if path != "" {
			return nil, fmt.Errorf("pricing config not found at %s", path)
		}
		// No table available anywhere; defaults-only is still usable.
		return t, nil
	}
	t.path = resolved
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

func resolvePath(path string) string {
	candidates := []string{
		path,
		os.Getenv("CADRE_PRICING_PATH"),
		"config/models.yaml",
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	// Walk upwards a few levels for repo-root config during tests.
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand
		}
		wd = filepath.Dir(wd)
	}
	return ""
}

// Reload re-reads the table from its file. Used by the config watcher; safe
// to call concurrently with lookups.
func (t *Table) Reload() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read pricing config: %w", err)
	}
	var cfg tableConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse pricing config: %w", err)
	}
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
	return nil
}

// Path returns the file the table was loaded from, empty for Empty().
func (t *Table) Path() string {
	return t.path
}

// ModifiedTime returns the mtime of the table file (best-effort).
func (t *Table) ModifiedTime() time.Time {
	if t.path == "" {
		return time.Time{}
	}
	st, err := os.Stat(t.path)
	if err != nil {
		return time.Time{}
	}
	return st.ModTime()
}

// DefaultPerToken returns the combined default price per token.
func (t *Table) DefaultPerToken() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cfg.Pricing.Defaults.CombinedPer1K > 0 {
		return t.cfg.Pricing.Defaults.CombinedPer1K / 1000.0
	}
	return fallbackPerToken
}

// entryFor resolves a model entry. A "provider/model" name looks up that
// provider directly; a bare name scans all providers. Callers hold the
// read lock.
func (t *Table) entryFor(model string) (modelEntry, bool) {
	if prov, name, ok := strings.Cut(model, "/"); ok {
		if m, ok := t.cfg.Pricing.Models[prov][name]; ok {
			return m, true
		}
	}
	for _, models := range t.cfg.Pricing.Models {
		if m, ok := models[model]; ok {
			return m, true
		}
	}
	return modelEntry{}, false
}

// PerTokenForModel returns the combined per-token price for a model,
// approximating from the input/output split when no combined rate is set.
// Names may be provider-qualified ("openai/gpt-4o") or bare.
func (t *Table) PerTokenForModel(model string) (float64, bool) {
	if model == "" {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.entryFor(model); ok {
		if m.CombinedPer1K > 0 {
			return m.CombinedPer1K / 1000.0, true
		}
		if m.InputPer1K > 0 && m.OutputPer1K > 0 {
			return ((m.InputPer1K + m.OutputPer1K) / 2.0) / 1000.0, true
		}
	}
	return 0, false
}

// CostForTokens returns the USD cost for a combined token count.
func (t *Table) CostForTokens(model string, tokens int) float64 {
	if tokens < 0 {
		tokens = 0
	}
	if price, ok := t.PerTokenForModel(model); ok {
		return float64(tokens) * price
	}
	if model == "" {
		metrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
	} else {
		metrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
	}
	return float64(tokens) * t.DefaultPerToken()
}

// CostForSplit computes cost from an input/output token split, falling back
// to combined pricing and then to the default rate.
func (t *Table) CostForSplit(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	t.mu.RLock()
	if m, ok := t.entryFor(model); ok {
		if m.InputPer1K > 0 && m.OutputPer1K > 0 {
			t.mu.RUnlock()
			return (float64(inputTokens)/1000.0)*m.InputPer1K + (float64(outputTokens)/1000.0)*m.OutputPer1K
		}
		if m.CombinedPer1K > 0 {
			t.mu.RUnlock()
			return (float64(inputTokens+outputTokens) / 1000.0) * m.CombinedPer1K
		}
	}
	t.mu.RUnlock()

	if model == "" {
		metrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
	} else {
		metrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
	}
	return float64(inputTokens+outputTokens) * t.DefaultPerToken()
}

// ValidateMap checks the pricing section of a raw config map before the
// config manager applies a reload.
func ValidateMap(m map[string]interface{}) error {
	p, ok := m["pricing"].(map[string]interface{})
	if !ok {
		return nil
	}
	if d, ok := p["defaults"].(map[string]interface{}); ok {
		if v, ok := d["combined_per_1k"].(float64); ok && v < 0 {
			return errors.New("pricing.defaults.combined_per_1k must be >= 0")
		}
	}
	provs, ok := p["models"].(map[string]interface{})
	if !ok {
		return nil
	}
	for provName, pm := range provs {
		models, ok := pm.(map[string]interface{})
		if !ok {
			continue
		}
		for modelName, mv := range models {
			entry, ok := mv.(map[string]interface{})
			if !ok {
				continue
			}
			for _, field := range []string{"input_per_1k", "output_per_1k", "combined_per_1k"} {
				if v, ok := entry[field].(float64); ok && v < 0 {
					return fmt.Errorf("negative %s for %s:%s", field, provName, modelName)
				}
			}
		}
	}
	return nil
}
