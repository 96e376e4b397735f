// Package config loads engine feature configuration with env overrides and
// provides hot reload through a file watcher.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// WorkflowDefaults fills zero values on per-submission workflow configs.
type WorkflowDefaults struct {
	NumAgents              int  `mapstructure:"num_agents"`
	ParallelExecution      bool `mapstructure:"parallel_execution"`
	MaxConcurrentAgents    int  `mapstructure:"max_concurrent_agents"`
	SubtaskTimeoutSeconds  int  `mapstructure:"subtask_timeout_seconds"`
	WorkflowTimeoutSeconds int  `mapstructure:"workflow_timeout_seconds"`
	MaxIterations          int  `mapstructure:"max_iterations"`
	GroupSize              int  `mapstructure:"group_size"`
}

// StreamingConfig tunes the event manager.
type StreamingConfig struct {
	RingCapacity       int    `mapstructure:"ring_capacity"`
	SubscriberBuffer   int    `mapstructure:"subscriber_buffer"`
	BackpressurePolicy string `mapstructure:"backpressure_policy"` // drop_oldest or block_with_timeout
	BlockTimeoutMs     int    `mapstructure:"block_timeout_ms"`
}

// BudgetConfig captures budget-related knobs loaded from config or env.
type BudgetConfig struct {
	Backpressure struct {
		Threshold  float64 `mapstructure:"threshold"`
		MaxDelayMs int     `mapstructure:"max_delay_ms"`
	} `mapstructure:"backpressure"`
	RateLimit struct {
		PerSecond float64 `mapstructure:"per_second"`
		Burst     int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
}

// PolicyConfig configures the admission policy gate.
type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       string `mapstructure:"mode"` // off, dry-run, enforce
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
	Environment string `mapstructure:"environment"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // postgres or sqlite3
	DSN     string `mapstructure:"dsn"`
}

// RedisConfig configures the Redis Streams event mirror.
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
}

// ObservabilityConfig carries logging and tracing knobs. BuildLogger and
// TracingConfig turn them into runnable settings.
type ObservabilityConfig struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // json or console
	} `mapstructure:"logging"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
}

// Features is the engine feature configuration, normally read from
// config/features.yaml.
type Features struct {
	Workflow      WorkflowDefaults    `mapstructure:"workflow"`
	Streaming     StreamingConfig     `mapstructure:"streaming"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Store         StoreConfig         `mapstructure:"store"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	PricingPath   string              `mapstructure:"pricing_path"`
}

// Defaults returns the built-in feature configuration.
func Defaults() *Features {
	f := &Features{}
	f.Workflow.NumAgents = 5
	f.Workflow.ParallelExecution = true
	f.Workflow.MaxConcurrentAgents = 5
	f.Workflow.SubtaskTimeoutSeconds = 300
	f.Workflow.WorkflowTimeoutSeconds = 1800
	f.Workflow.MaxIterations = 5
	f.Workflow.GroupSize = 3
	f.Streaming.RingCapacity = 256
	f.Streaming.SubscriberBuffer = 64
	f.Streaming.BackpressurePolicy = "drop_oldest"
	f.Streaming.BlockTimeoutMs = 100
	f.Budget.Backpressure.Threshold = 0.8
	f.Budget.Backpressure.MaxDelayMs = 5000
	f.Policy.Mode = "off"
	f.Redis.StreamMaxLen = 1024
	return f
}

// Load reads features.yaml from CADRE_CONFIG_PATH or config/features.yaml,
// then applies env overrides. A missing file yields the defaults.
func Load() (*Features, error) {
	cfgPath := os.Getenv("CADRE_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/features.yaml"
	}
	return LoadFrom(cfgPath)
}

// LoadFrom reads a specific features file.
func LoadFrom(path string) (*Features, error) {
	f := Defaults()

	if _, err := os.Stat(path); err == nil {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := v.Unmarshal(f); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(f)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate rejects configurations the engine cannot run with.
func (f *Features) Validate() error {
	if f.Workflow.MaxConcurrentAgents < 1 {
		return fmt.Errorf("workflow.max_concurrent_agents must be >= 1, got %d", f.Workflow.MaxConcurrentAgents)
	}
	if f.Workflow.NumAgents < 1 {
		return fmt.Errorf("workflow.num_agents must be >= 1, got %d", f.Workflow.NumAgents)
	}
	if f.Workflow.GroupSize < 1 {
		return fmt.Errorf("workflow.group_size must be >= 1, got %d", f.Workflow.GroupSize)
	}
	if f.Workflow.MaxIterations < 1 {
		return fmt.Errorf("workflow.max_iterations must be >= 1, got %d", f.Workflow.MaxIterations)
	}
	switch f.Streaming.BackpressurePolicy {
	case "drop_oldest", "block_with_timeout":
	default:
		return fmt.Errorf("streaming.backpressure_policy must be drop_oldest or block_with_timeout, got %q", f.Streaming.BackpressurePolicy)
	}
	switch f.Policy.Mode {
	case "", "off", "dry-run", "enforce":
	default:
		return fmt.Errorf("policy.mode must be off, dry-run, or enforce, got %q", f.Policy.Mode)
	}
	return nil
}

func applyEnvOverrides(f *Features) {
	if v := os.Getenv("CADRE_MAX_CONCURRENT_AGENTS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			f.Workflow.MaxConcurrentAgents = x
		}
	}
	if v := os.Getenv("CADRE_NUM_AGENTS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			f.Workflow.NumAgents = x
		}
	}
	if v := os.Getenv("CADRE_SUBTASK_TIMEOUT_SECONDS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			f.Workflow.SubtaskTimeoutSeconds = x
		}
	}
	if v := os.Getenv("CADRE_WORKFLOW_TIMEOUT_SECONDS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			f.Workflow.WorkflowTimeoutSeconds = x
		}
	}
	if v := os.Getenv("CADRE_BACKPRESSURE_THRESHOLD"); v != "" {
		var x float64
		_, _ = fmt.Sscanf(v, "%f", &x)
		if x > 0 {
			f.Budget.Backpressure.Threshold = x
		}
	}
	if v := os.Getenv("CADRE_MAX_BACKPRESSURE_DELAY_MS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			f.Budget.Backpressure.MaxDelayMs = x
		}
	}
	if v := os.Getenv("CADRE_POLICY_MODE"); v != "" {
		f.Policy.Mode = v
	}
	if v := os.Getenv("CADRE_STORE_DSN"); v != "" {
		f.Store.DSN = v
		f.Store.Enabled = true
	}
	if v := os.Getenv("CADRE_REDIS_ADDR"); v != "" {
		f.Redis.Addr = v
		f.Redis.Enabled = true
	}
	if v := os.Getenv("CADRE_OTLP_ENDPOINT"); v != "" {
		f.Observability.Tracing.OTLPEndpoint = v
		f.Observability.Tracing.Enabled = true
	}
}
