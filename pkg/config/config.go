// Package config holds the framework configuration and the fuzzing
// parameters shared by the orchestrator and its components.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Strategy selects how new inputs are derived during fuzzing.
type Strategy string

const (
	StrategyBitFlip    Strategy = "bit_flip"
	StrategyByteFlip   Strategy = "byte_flip"
	StrategyArithmetic Strategy = "arithmetic"
	StrategyMutation   Strategy = "mutation"
	StrategyHybrid     Strategy = "hybrid"
)

// ParseStrategy maps a string to a Strategy. Unknown values fall back to
// StrategyHybrid so a misspelled config never disables the hybrid loop.
func ParseStrategy(value string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(value))) {
	case StrategyBitFlip:
		return StrategyBitFlip
	case StrategyByteFlip:
		return StrategyByteFlip
	case StrategyArithmetic:
		return StrategyArithmetic
	case StrategyMutation:
		return StrategyMutation
	case StrategyHybrid:
		return StrategyHybrid
	default:
		return StrategyHybrid
	}
}

// Config represents the full framework configuration.
type Config struct {
	Framework FrameworkConfig `yaml:"framework"`
	Fuzzing   FuzzingConfig   `yaml:"fuzzing"`
	Reporting ReportingConfig `yaml:"reporting"`
}

// FrameworkConfig contains general framework settings.
type FrameworkConfig struct {
	Version   string `yaml:"version"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// FuzzingConfig contains the parameters of a single fuzzing run.
type FuzzingConfig struct {
	MaxIterations  int      `yaml:"max_iterations" json:"max_iterations"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxInputSize   int      `yaml:"max_input_size" json:"max_input_size"`
	Strategy       Strategy `yaml:"strategy" json:"strategy"`
	EnableCoverage bool     `yaml:"enable_coverage" json:"enable_coverage"`
	EnableTaint    bool     `yaml:"enable_taint" json:"enable_taint"`
	EnableSymbolic bool     `yaml:"enable_symbolic" json:"enable_symbolic"`
	CrashDir       string   `yaml:"crash_dir" json:"crash_dir"`
	CorpusDir      string   `yaml:"corpus_dir" json:"corpus_dir"`
	Seed           int64    `yaml:"seed" json:"seed"`
	ParallelJobs   int      `yaml:"parallel_jobs" json:"parallel_jobs"`
}

// ReportingConfig contains report persistence settings.
type ReportingConfig struct {
	OutputDir string `yaml:"output_dir"`
	KeepLastN int    `yaml:"keep_last_n"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Framework: FrameworkConfig{
			Version:   "v1",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Fuzzing:   DefaultFuzzingConfig(),
		Reporting: ReportingConfig{KeepLastN: 50},
	}
}

// DefaultFuzzingConfig returns the fuzzing defaults used when neither a
// config file nor orchestrator options override them.
func DefaultFuzzingConfig() FuzzingConfig {
	return FuzzingConfig{
		MaxIterations:  128,
		TimeoutSeconds: 2,
		MaxInputSize:   4096,
		Strategy:       StrategyHybrid,
		EnableCoverage: true,
		EnableTaint:    true,
		EnableSymbolic: true,
		CrashDir:       "crashes",
		CorpusDir:      "corpus",
		ParallelJobs:   1,
	}
}

// Load loads configuration from a YAML file, layered on top of defaults.
// A missing file is not an error. Environment variables referenced in the
// file are expanded; a .env file next to the process is honored first.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	// Best effort: a missing .env file is fine.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Fuzzing.Strategy = ParseStrategy(string(cfg.Fuzzing.Strategy))
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Fuzzing.MaxIterations < 1 {
		return fmt.Errorf("fuzzing.max_iterations must be at least 1")
	}
	if c.Fuzzing.TimeoutSeconds < 1 {
		return fmt.Errorf("fuzzing.timeout_seconds must be at least 1")
	}
	if c.Fuzzing.MaxInputSize < 1 {
		return fmt.Errorf("fuzzing.max_input_size must be at least 1")
	}
	if c.Fuzzing.ParallelJobs < 1 {
		return fmt.Errorf("fuzzing.parallel_jobs must be at least 1")
	}
	return nil
}

// FuzzingFromOptions builds a FuzzingConfig from a dynamic options map,
// typically the "fuzzing" sub-map of the orchestrator configuration.
// Unknown or malformed values fall back to defaults.
func FuzzingFromOptions(opts map[string]any) FuzzingConfig {
	cfg := DefaultFuzzingConfig()
	if opts == nil {
		return cfg
	}
	if v, ok := intOption(opts["max_iterations"]); ok && v >= 1 {
		cfg.MaxIterations = v
	}
	if v, ok := intOption(opts["timeout_seconds"]); ok && v >= 1 {
		cfg.TimeoutSeconds = v
	}
	if v, ok := intOption(opts["max_input_size"]); ok && v >= 1 {
		cfg.MaxInputSize = v
	}
	switch s := opts["strategy"].(type) {
	case string:
		cfg.Strategy = ParseStrategy(s)
	case Strategy:
		cfg.Strategy = ParseStrategy(string(s))
	}
	if v, ok := opts["enable_coverage"].(bool); ok {
		cfg.EnableCoverage = v
	}
	if v, ok := opts["enable_taint"].(bool); ok {
		cfg.EnableTaint = v
	}
	if v, ok := opts["enable_symbolic"].(bool); ok {
		cfg.EnableSymbolic = v
	}
	if v, ok := opts["crash_dir"].(string); ok && v != "" {
		cfg.CrashDir = v
	}
	if v, ok := opts["corpus_dir"].(string); ok && v != "" {
		cfg.CorpusDir = v
	}
	if v, ok := intOption(opts["seed"]); ok {
		cfg.Seed = int64(v)
	}
	if v, ok := intOption(opts["parallel_jobs"]); ok && v >= 1 {
		cfg.ParallelJobs = v
	}
	return cfg
}

// intOption coerces the numeric types an untyped options map may carry.
func intOption(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, true
		}
	}
	return 0, false
}
