package policy

import (
	"os"
	"strconv"
	"strings"
)

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	// Enabled controls whether the policy engine is active
	Enabled bool

	// Mode controls policy enforcement behavior
	Mode Mode

	// Path to the directory containing .rego policy files
	Path string

	// FailClosed determines behavior when policies can't be loaded
	// true: deny all submissions if policies fail to load
	// false: allow all submissions if policies fail to load (fail-open)
	FailClosed bool

	// Environment context for policy evaluation
	Environment string
}

// LoadConfig loads policy configuration from environment variables
func LoadConfig() *Config {
	config := &Config{
		Enabled:     getEnvBool("CADRE_POLICY_ENABLED", false),
		Mode:        Mode(getEnvString("CADRE_POLICY_MODE", "off")),
		Path:        getEnvString("CADRE_POLICY_PATH", "config/policies"),
		FailClosed:  getEnvBool("CADRE_POLICY_FAIL_CLOSED", false),
		Environment: getEnvString("CADRE_ENVIRONMENT", "dev"),
	}

	switch config.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	case "":
		config.Mode = ModeOff
	default:
		config.Mode = ModeOff
	}

	if config.Mode == ModeOff {
		config.Enabled = false
	}

	return config
}

func getEnvString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
