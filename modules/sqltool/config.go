package sqltool

import (
	"flag"
	"fmt"
	"time"
)

const (
	defaultMaxConnections = 10
	defaultAcquireTimeout = 5 * time.Second
	defaultQueryTimeout   = 30 * time.Second
	defaultMaxRows        = 10000
	maxStatementLength    = 1000
	maxJoinedTables       = 16
)

type Config struct {
	// DatabasePath is the sqlite file the read-only tools query.
	DatabasePath   string        `yaml:"database_path"`
	MaxConnections int           `yaml:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	MaxRows        int           `yaml:"max_rows"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.DatabasePath = "fact.db"
	cfg.MaxConnections = defaultMaxConnections
	cfg.AcquireTimeout = defaultAcquireTimeout
	cfg.QueryTimeout = defaultQueryTimeout
	cfg.MaxRows = defaultMaxRows

	f.StringVar(&cfg.DatabasePath, prefix+".database-path", cfg.DatabasePath, "Path to the sqlite database file.")
	f.IntVar(&cfg.MaxConnections, prefix+".max-connections", cfg.MaxConnections, "Upper bound on pooled database connections.")
	f.DurationVar(&cfg.AcquireTimeout, prefix+".acquire-timeout", cfg.AcquireTimeout, "How long a query waits for a pooled connection.")
	f.DurationVar(&cfg.QueryTimeout, prefix+".query-timeout", cfg.QueryTimeout, "Wall-clock timeout for a single query.")
	f.IntVar(&cfg.MaxRows, prefix+".max-rows", cfg.MaxRows, "Row count at which results are truncated.")
}

func (cfg *Config) Validate() error {
	if cfg.DatabasePath == "" {
		return fmt.Errorf("database_path must be set")
	}
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", cfg.MaxConnections)
	}
	if cfg.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be greater than 0, got %s", cfg.AcquireTimeout)
	}
	if cfg.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be greater than 0, got %s", cfg.QueryTimeout)
	}
	if cfg.MaxRows < 1 {
		return fmt.Errorf("max_rows must be at least 1, got %d", cfg.MaxRows)
	}
	return nil
}
