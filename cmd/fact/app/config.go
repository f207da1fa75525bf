package app

import (
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	dslog "github.com/grafana/dskit/log"

	factcache "github.com/factlabs/fact/modules/cache"
	"github.com/factlabs/fact/modules/maintenance"
	"github.com/factlabs/fact/modules/pipeline"
	"github.com/factlabs/fact/modules/registry"
	"github.com/factlabs/fact/modules/sqltool"
	"github.com/factlabs/fact/pkg/gateway"
	"github.com/factlabs/fact/pkg/llm"
	"github.com/factlabs/fact/pkg/util"
)

// Config is the top-level configuration composed from every module.
type Config struct {
	LogFormat            string        `yaml:"log_format"`
	LogLevel             dslog.Level   `yaml:"log_level"`
	ShutdownDrainTimeout time.Duration `yaml:"shutdown_drain_timeout"`

	Cache       factcache.Config   `yaml:"cache"`
	Tools       registry.Config    `yaml:"tools"`
	SQL         sqltool.Config     `yaml:"sql"`
	LLM         llm.Config         `yaml:"llm"`
	Gateway     gateway.Config     `yaml:"gateway"`
	Pipeline    pipeline.Config    `yaml:"pipeline"`
	Maintenance maintenance.Config `yaml:"maintenance"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.LogFormat = "logfmt"
	_ = cfg.LogLevel.Set("info")
	cfg.ShutdownDrainTimeout = 10 * time.Second

	f.StringVar(&cfg.LogFormat, "log.format", cfg.LogFormat, "Log format: logfmt or json.")
	f.Var(&cfg.LogLevel, "log.level", "Log level: debug, info, warn, error.")
	f.DurationVar(&cfg.ShutdownDrainTimeout, "shutdown-drain-timeout", cfg.ShutdownDrainTimeout, "How long shutdown waits for in-flight requests.")

	cfg.Cache.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "cache"), f)
	cfg.Tools.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "tools"), f)
	cfg.SQL.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "sql"), f)
	cfg.LLM.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "llm"), f)
	cfg.Gateway.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "gateway"), f)
	cfg.Pipeline.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "pipeline"), f)
	cfg.Maintenance.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "maintenance"), f)
}

func (cfg *Config) Validate() error {
	if cfg.LogFormat != "logfmt" && cfg.LogFormat != "json" {
		return fmt.Errorf("log_format must be logfmt or json, got %q", cfg.LogFormat)
	}
	if cfg.ShutdownDrainTimeout <= 0 {
		return fmt.Errorf("shutdown_drain_timeout must be greater than 0, got %s", cfg.ShutdownDrainTimeout)
	}
	if err := cfg.Cache.Validate(); err != nil {
		return err
	}
	if err := cfg.Tools.Validate(); err != nil {
		return err
	}
	if err := cfg.SQL.Validate(); err != nil {
		return err
	}
	if err := cfg.LLM.Validate(); err != nil {
		return err
	}
	if err := cfg.Gateway.Validate(); err != nil {
		return err
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return err
	}
	return cfg.Maintenance.Validate()
}

// envOverridePrefixes are the namespaces scanned for unrecognized
// options.
var envOverridePrefixes = []string{"CACHE_", "CIRCUIT_", "SQL_", "TOOL_", "PIPELINE_", "LLM_"}

// ApplyEnvOverrides applies the environment-variable configuration
// surface on top of file and flag values. It returns warnings for
// variables that look like options but are not recognized; an invalid
// value is an error naming the option.
func (cfg *Config) ApplyEnvOverrides(environ []string) ([]string, error) {
	overrides := map[string]func(string) error{
		"CACHE_PREFIX": func(v string) error {
			cfg.Cache.Store.PrefixTag = v
			return nil
		},
		"CACHE_MIN_TOKENS": intSetter(func(n int) { cfg.Cache.Store.MinTokens = n }),
		"CACHE_MAX_SIZE": func(v string) error {
			cfg.Cache.Store.MaxSize = v
			return nil
		},
		"CACHE_TTL_SECONDS":                secondsSetter(func(d time.Duration) { cfg.Cache.Store.TTL = d }),
		"CIRCUIT_FAILURE_THRESHOLD":        intSetter(func(n int) { cfg.Cache.Circuit.FailureThreshold = n }),
		"CIRCUIT_SUCCESS_THRESHOLD":        intSetter(func(n int) { cfg.Cache.Circuit.SuccessThreshold = n }),
		"CIRCUIT_OPEN_TIMEOUT_SECONDS":     secondsSetter(func(d time.Duration) { cfg.Cache.Circuit.OpenTimeout = d }),
		"CIRCUIT_RECOVERY_FACTOR":          floatSetter(func(f float64) { cfg.Cache.Circuit.RecoveryFactor = f }),
		"SQL_POOL_MAX_CONNECTIONS":         intSetter(func(n int) { cfg.SQL.MaxConnections = n }),
		"SQL_QUERY_TIMEOUT_SECONDS":        secondsSetter(func(d time.Duration) { cfg.SQL.QueryTimeout = d }),
		"SQL_MAX_ROWS":                     intSetter(func(n int) { cfg.SQL.MaxRows = n }),
		"TOOL_RATE_LIMIT_PER_MINUTE":       intSetter(func(n int) { cfg.Tools.GlobalRateLimitPerMinute = n }),
		"TOOL_EXECUTION_TIMEOUT_SECONDS":   secondsSetter(func(d time.Duration) { cfg.Tools.ExecutionTimeout = d }),
		"PIPELINE_MAX_TOOL_ITERATIONS":     intSetter(func(n int) { cfg.Pipeline.MaxToolIterations = n }),
		"PIPELINE_REQUEST_TIMEOUT_SECONDS": secondsSetter(func(d time.Duration) { cfg.Pipeline.RequestTimeout = d }),
		"LLM_MAX_RETRIES":                  intSetter(func(n int) { cfg.Pipeline.MaxRetries = n }),
	}

	// variables a FACT deployment commonly carries that are not config
	// options
	ignored := map[string]struct{}{
		"SQL_DATABASE_PATH": {},
		"LLM_MODEL":         {},
	}

	var warnings []string
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if set, recognized := overrides[name]; recognized {
			if err := set(value); err != nil {
				return nil, fmt.Errorf("invalid value for %s: %w", name, err)
			}
			continue
		}
		if _, skip := ignored[name]; skip {
			continue
		}
		for _, prefix := range envOverridePrefixes {
			if strings.HasPrefix(name, prefix) {
				warnings = append(warnings, fmt.Sprintf("unrecognized option %s ignored", name))
				break
			}
		}
	}
	sort.Strings(warnings)
	return warnings, nil
}

func intSetter(apply func(int)) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected integer, got %q", v)
		}
		apply(n)
		return nil
	}
}

func floatSetter(apply func(float64)) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("expected number, got %q", v)
		}
		apply(f)
		return nil
	}
}

func secondsSetter(apply func(time.Duration)) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected integer seconds, got %q", v)
		}
		apply(time.Duration(n) * time.Second)
		return nil
	}
}
