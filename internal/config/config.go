// Package config defines the engine configuration, its defaults, and the
// file/environment loading layer.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	forgeerrors "forge/internal/errors"
	"forge/internal/llm"
	"forge/internal/observability"
)

// ExecutionMode selects how agents within one stage are dispatched.
type ExecutionMode string

const (
	// ModeSequential runs stage agents one at a time in role order.
	ModeSequential ExecutionMode = "SEQUENTIAL"
	// ModeParallel runs stage agents concurrently up to the parallelism
	// bound.
	ModeParallel ExecutionMode = "PARALLEL"
	// ModeAdaptive runs agents concurrently unless their declared state
	// regions conflict, in which case the conflicting ones serialize.
	ModeAdaptive ExecutionMode = "ADAPTIVE"
)

// Config is the full engine configuration.
type Config struct {
	// Mode selects the within-stage dispatch strategy.
	Mode ExecutionMode `mapstructure:"mode" yaml:"mode"`

	// MaxParallelAgents bounds concurrent agent executions in PARALLEL
	// and ADAPTIVE modes.
	MaxParallelAgents int `mapstructure:"max_parallel_agents" yaml:"max_parallel_agents"`

	// SkipUIDesign elides the UI_UX_DESIGN stage from the pipeline.
	SkipUIDesign bool `mapstructure:"skip_ui_design" yaml:"skip_ui_design"`

	// TimeoutPerStage bounds one stage execution. Zero means no bound.
	TimeoutPerStage time.Duration `mapstructure:"timeout_per_stage" yaml:"timeout_per_stage"`

	// MaxIterations bounds each refinement loop (testing, QA).
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`

	// Retry governs generator call retries.
	Retry forgeerrors.RetryPolicy `mapstructure:"retry" yaml:"retry"`

	// CacheEnabled turns the content-addressed result cache on.
	CacheEnabled bool `mapstructure:"cache_enabled" yaml:"cache_enabled"`

	// CacheCapacity bounds the result cache entry count.
	CacheCapacity int `mapstructure:"cache_capacity" yaml:"cache_capacity"`

	// CacheDirectory is where the persisted cache lives. Empty means
	// <output_dir>/cache.
	CacheDirectory string `mapstructure:"cache_directory" yaml:"cache_directory"`

	// CheckpointEnabled turns checkpoint persistence on. Disabling it
	// also disables resume.
	CheckpointEnabled bool `mapstructure:"checkpoint_enabled" yaml:"checkpoint_enabled"`

	// CheckpointDirectory is where checkpoint records live. Empty means
	// <output_dir>/checkpoints.
	CheckpointDirectory string `mapstructure:"checkpoint_directory" yaml:"checkpoint_directory"`

	// CheckpointRetain keeps this many checkpoints per workflow; 0 keeps
	// all.
	CheckpointRetain int `mapstructure:"checkpoint_retain" yaml:"checkpoint_retain"`

	// OutputDir is where checkpoints, the persisted cache, and workflow
	// artifacts land.
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`

	// Generation carries the provider options forwarded on every call.
	Generation llm.Options `mapstructure:"generation" yaml:"generation"`

	// Breaker configures the generator circuit breaker.
	Breaker forgeerrors.CircuitBreakerConfig `mapstructure:"breaker" yaml:"breaker"`

	// Log configures structured logging.
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Tracing configures distributed tracing.
	Tracing observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// LogConfig mirrors the observability logger settings in file form.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Mode:              ModeSequential,
		MaxParallelAgents: 4,
		TimeoutPerStage:   10 * time.Minute,
		MaxIterations:     3,
		Retry:             forgeerrors.DefaultRetryPolicy(),
		CacheEnabled:      true,
		CacheCapacity:     128,
		CheckpointEnabled: true,
		CheckpointRetain:  10,
		OutputDir:         "output",
		Generation: llm.Options{
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Breaker: forgeerrors.DefaultCircuitBreakerConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects configurations that would make a run impossible or
// meaningless.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeSequential, ModeParallel, ModeAdaptive:
	default:
		return forgeerrors.NewConfigurationError("mode", fmt.Sprintf("unknown execution mode %q", c.Mode))
	}
	if c.MaxParallelAgents < 1 {
		return forgeerrors.NewConfigurationError("max_parallel_agents", "must be at least 1")
	}
	if c.MaxIterations < 1 {
		return forgeerrors.NewConfigurationError("max_iterations", "must be at least 1")
	}
	if c.TimeoutPerStage < 0 {
		return forgeerrors.NewConfigurationError("timeout_per_stage", "must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return forgeerrors.NewConfigurationError("retry.max_retries", "must not be negative")
	}
	if c.Retry.InitialDelay < 0 {
		return forgeerrors.NewConfigurationError("retry.initial_delay", "must not be negative")
	}
	if c.CacheEnabled && c.CacheCapacity < 1 {
		return forgeerrors.NewConfigurationError("cache_capacity", "must be at least 1 when the cache is enabled")
	}
	if c.OutputDir == "" {
		return forgeerrors.NewConfigurationError("output_dir", "must not be empty")
	}
	return nil
}

// CacheDir resolves the cache directory, falling back to a subdirectory of
// OutputDir when none is configured.
func (c Config) CacheDir() string {
	if c.CacheDirectory != "" {
		return c.CacheDirectory
	}
	return filepath.Join(c.OutputDir, "cache")
}

// CheckpointDir resolves the checkpoint root, falling back to a
// subdirectory of OutputDir when none is configured.
func (c Config) CheckpointDir() string {
	if c.CheckpointDirectory != "" {
		return c.CheckpointDirectory
	}
	return filepath.Join(c.OutputDir, "checkpoints")
}

// Load reads configuration from an optional file plus FORGE_* environment
// overrides, layered over Default.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("mode", string(cfg.Mode))
	v.SetDefault("max_parallel_agents", cfg.MaxParallelAgents)
	v.SetDefault("skip_ui_design", cfg.SkipUIDesign)
	v.SetDefault("timeout_per_stage", cfg.TimeoutPerStage)
	v.SetDefault("max_iterations", cfg.MaxIterations)
	v.SetDefault("retry.max_retries", cfg.Retry.MaxRetries)
	v.SetDefault("retry.initial_delay", cfg.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("retry.exponential_base", cfg.Retry.ExponentialBase)
	v.SetDefault("cache_enabled", cfg.CacheEnabled)
	v.SetDefault("cache_capacity", cfg.CacheCapacity)
	v.SetDefault("cache_directory", cfg.CacheDirectory)
	v.SetDefault("checkpoint_enabled", cfg.CheckpointEnabled)
	v.SetDefault("checkpoint_directory", cfg.CheckpointDirectory)
	v.SetDefault("checkpoint_retain", cfg.CheckpointRetain)
	v.SetDefault("output_dir", cfg.OutputDir)
	v.SetDefault("generation.max_tokens", cfg.Generation.MaxTokens)
	v.SetDefault("generation.temperature", cfg.Generation.Temperature)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
}
