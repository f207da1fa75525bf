package breaker

import (
	"flag"
	"fmt"
	"time"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 3
	defaultOpenTimeout      = 60 * time.Second
	defaultRecoveryFactor   = 0.5
	defaultWindowSize       = 50
)

type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	RecoveryFactor   float64       `yaml:"recovery_factor"`
	WindowSize       int           `yaml:"window_size"`
	ProbeEnabled     bool          `yaml:"probe_enabled"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.FailureThreshold = defaultFailureThreshold
	cfg.SuccessThreshold = defaultSuccessThreshold
	cfg.OpenTimeout = defaultOpenTimeout
	cfg.RecoveryFactor = defaultRecoveryFactor
	cfg.WindowSize = defaultWindowSize

	f.IntVar(&cfg.FailureThreshold, prefix+".failure-threshold", cfg.FailureThreshold, "Consecutive failures before the circuit opens.")
	f.IntVar(&cfg.SuccessThreshold, prefix+".success-threshold", cfg.SuccessThreshold, "Consecutive half-open successes before the circuit closes.")
	f.DurationVar(&cfg.OpenTimeout, prefix+".open-timeout", cfg.OpenTimeout, "How long the circuit stays open before admitting a probe request.")
	f.Float64Var(&cfg.RecoveryFactor, prefix+".recovery-factor", cfg.RecoveryFactor, "Fraction of requests admitted while half-open.")
	f.IntVar(&cfg.WindowSize, prefix+".window-size", cfg.WindowSize, "Number of recent failure records retained for observability.")
	f.BoolVar(&cfg.ProbeEnabled, prefix+".probe-enabled", cfg.ProbeEnabled, "Probe the wrapped dependency in the background while the circuit is open.")
}

func (cfg *Config) Validate() error {
	if cfg.FailureThreshold < 2 || cfg.FailureThreshold > 50 {
		return fmt.Errorf("failure_threshold must be between 2 and 50, got %d", cfg.FailureThreshold)
	}
	if cfg.SuccessThreshold < 1 || cfg.SuccessThreshold > 20 {
		return fmt.Errorf("success_threshold must be between 1 and 20, got %d", cfg.SuccessThreshold)
	}
	if cfg.OpenTimeout < time.Second {
		return fmt.Errorf("open_timeout must be at least 1s, got %s", cfg.OpenTimeout)
	}
	if cfg.RecoveryFactor <= 0 || cfg.RecoveryFactor > 1 {
		return fmt.Errorf("recovery_factor must be in (0, 1], got %f", cfg.RecoveryFactor)
	}
	if cfg.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1, got %d", cfg.WindowSize)
	}
	return nil
}
