package cache

import (
	"flag"
	"fmt"

	"github.com/factlabs/fact/pkg/breaker"
	"github.com/factlabs/fact/pkg/cache"
)

type Config struct {
	Store   cache.Config   `yaml:"store"`
	Circuit breaker.Config `yaml:"circuit_breaker"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Store.RegisterFlagsAndApplyDefaults(prefix+".store", f)
	cfg.Circuit.RegisterFlagsAndApplyDefaults(prefix+".circuit-breaker", f)
}

func (cfg *Config) Validate() error {
	if err := cfg.Store.Validate(); err != nil {
		return fmt.Errorf("invalid cache store config: %w", err)
	}
	if err := cfg.Circuit.Validate(); err != nil {
		return fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	return nil
}
