package registry

import (
	"flag"
	"fmt"
	"time"
)

const (
	defaultGlobalRateLimit  = 100
	defaultExecutionTimeout = 30 * time.Second
	defaultMaxResultBytes   = 1 << 20 // 1MiB
)

type Config struct {
	// GlobalRateLimitPerMinute applies per user across all tools.
	GlobalRateLimitPerMinute int           `yaml:"global_rate_limit_per_minute"`
	ExecutionTimeout         time.Duration `yaml:"execution_timeout"`
	MaxResultBytes           int           `yaml:"max_result_bytes"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.GlobalRateLimitPerMinute = defaultGlobalRateLimit
	cfg.ExecutionTimeout = defaultExecutionTimeout
	cfg.MaxResultBytes = defaultMaxResultBytes

	f.IntVar(&cfg.GlobalRateLimitPerMinute, prefix+".global-rate-limit-per-minute", cfg.GlobalRateLimitPerMinute, "Tool-independent invocation limit per user per minute.")
	f.DurationVar(&cfg.ExecutionTimeout, prefix+".execution-timeout", cfg.ExecutionTimeout, "Default wall-clock timeout for a tool handler.")
	f.IntVar(&cfg.MaxResultBytes, prefix+".max-result-bytes", cfg.MaxResultBytes, "Maximum serialized size of a tool result.")
}

func (cfg *Config) Validate() error {
	if cfg.GlobalRateLimitPerMinute < 1 {
		return fmt.Errorf("global_rate_limit_per_minute must be at least 1, got %d", cfg.GlobalRateLimitPerMinute)
	}
	if cfg.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution_timeout must be greater than 0, got %s", cfg.ExecutionTimeout)
	}
	if cfg.MaxResultBytes < 1024 {
		return fmt.Errorf("max_result_bytes must be at least 1024, got %d", cfg.MaxResultBytes)
	}
	return nil
}
