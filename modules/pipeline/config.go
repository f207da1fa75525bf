package pipeline

import (
	"flag"
	"fmt"
	"time"
)

const (
	defaultSystemPrompt = "You are FACT, an assistant that answers questions about tracked financial and factual data. " +
		"Prefer the provided tools over guessing. Answer concisely."

	defaultMaxToolIterations = 5
	defaultRequestTimeout    = 60 * time.Second
	defaultLLMTimeout        = 30 * time.Second
	defaultMaxRetries        = 3
	retryBase                = 500 * time.Millisecond
	retryCap                 = 5 * time.Second
)

type Config struct {
	SystemPrompt      string        `yaml:"system_prompt"`
	MaxToolIterations int           `yaml:"max_tool_iterations"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	LLMTimeout        time.Duration `yaml:"llm_timeout"`
	// MaxRetries is the number of retries after a failed LLM call, not
	// counting the first attempt.
	MaxRetries int `yaml:"llm_max_retries"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.SystemPrompt = defaultSystemPrompt
	cfg.MaxToolIterations = defaultMaxToolIterations
	cfg.RequestTimeout = defaultRequestTimeout
	cfg.LLMTimeout = defaultLLMTimeout
	cfg.MaxRetries = defaultMaxRetries

	f.StringVar(&cfg.SystemPrompt, prefix+".system-prompt", cfg.SystemPrompt, "System prompt sent with every request.")
	f.IntVar(&cfg.MaxToolIterations, prefix+".max-tool-iterations", cfg.MaxToolIterations, "Upper bound on tool loop iterations per request.")
	f.DurationVar(&cfg.RequestTimeout, prefix+".request-timeout", cfg.RequestTimeout, "Overall deadline for one request.")
	f.DurationVar(&cfg.LLMTimeout, prefix+".llm-timeout", cfg.LLMTimeout, "Timeout for a single provider call.")
	f.IntVar(&cfg.MaxRetries, prefix+".llm-max-retries", cfg.MaxRetries, "Retries after a failed provider call.")
}

func (cfg *Config) Validate() error {
	if cfg.SystemPrompt == "" {
		return fmt.Errorf("system_prompt must be set")
	}
	if cfg.MaxToolIterations < 1 {
		return fmt.Errorf("max_tool_iterations must be at least 1, got %d", cfg.MaxToolIterations)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be greater than 0, got %s", cfg.RequestTimeout)
	}
	if cfg.LLMTimeout <= 0 {
		return fmt.Errorf("llm_timeout must be greater than 0, got %s", cfg.LLMTimeout)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("llm_max_retries must not be negative, got %d", cfg.MaxRetries)
	}
	return nil
}
