package sqltool

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

// ErrQueryTimeout is returned when a statement exceeds the per-query
// wall-clock timeout.
var ErrQueryTimeout = errors.New("query timed out")

var (
	metricQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fact",
		Subsystem: "sql",
		Name:      "queries_total",
		Help:      "Total SQL statements by outcome.",
	}, []string{"outcome"})
	metricQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fact",
		Subsystem: "sql",
		Name:      "query_duration_seconds",
		Help:      "Time spent executing SQL statements.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
)

// Result is the shaped output of a read-only query.
type Result struct {
	Columns     []string `json:"columns"`
	Rows        [][]any  `json:"rows"`
	RowCount    int      `json:"row_count"`
	Truncated   bool     `json:"truncated"`
	ExecutionMS float64  `json:"execution_ms"`
}

// Executor validates and runs read-only statements against the local
// database through a bounded connection pool.
type Executor struct {
	cfg       Config
	logger    log.Logger
	db        *sql.DB
	pool      *pool
	validator *validator
}

func NewExecutor(cfg Config, logger log.Logger) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sql config: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// the pool owns connection budgeting
	db.SetMaxOpenConns(cfg.MaxConnections)

	e := &Executor{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		pool:      newPool(db, cfg.MaxConnections, cfg.AcquireTimeout),
		validator: newValidator(),
	}
	if err := e.RefreshSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	return e, nil
}

// RefreshSchema reloads the known-tables whitelist from the live
// database.
func (e *Executor) RefreshSchema(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	e.validator.setKnownTables(tables)
	level.Info(e.logger).Log("msg", "loaded database schema", "tables", len(tables))
	return nil
}

// KnownTables returns the current whitelist, sorted.
func (e *Executor) KnownTables() []string {
	e.validator.mtx.RLock()
	defer e.validator.mtx.RUnlock()

	out := make([]string, 0, len(e.validator.knownTables))
	for t := range e.validator.knownTables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Query validates the statement and executes it with the given
// parameters. Validation failures never touch the pool.
func (e *Executor) Query(ctx context.Context, statement string, params []any) (*Result, error) {
	pragmaTable, verr := e.validator.validate(statement)
	if verr != nil {
		metricQueries.WithLabelValues("violation").Inc()
		level.Warn(e.logger).Log("msg", "rejected statement", "reason", verr.Reason)
		return nil, verr
	}

	if pragmaTable != "" {
		// the identifier passed the whitelist gate; sqlite does not
		// support binding it as a parameter
		statement = fmt.Sprintf("PRAGMA table_info(%s)", pragmaTable)
		params = nil
	}

	conn, err := e.pool.acquire(ctx)
	if err != nil {
		metricQueries.WithLabelValues("pool_exhausted").Inc()
		return nil, err
	}

	start := time.Now()
	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	rows, err := conn.QueryContext(qctx, statement, params...)
	if err != nil {
		e.pool.release(conn, qctx.Err() == nil)
		if qctx.Err() == context.DeadlineExceeded {
			metricQueries.WithLabelValues("timeout").Inc()
			return nil, ErrQueryTimeout
		}
		metricQueries.WithLabelValues("error").Inc()
		return nil, err
	}

	result, err := e.collect(rows)
	rows.Close()
	e.pool.release(conn, qctx.Err() == nil && err == nil)
	if err != nil {
		if qctx.Err() == context.DeadlineExceeded {
			metricQueries.WithLabelValues("timeout").Inc()
			return nil, ErrQueryTimeout
		}
		metricQueries.WithLabelValues("error").Inc()
		return nil, err
	}

	elapsed := time.Since(start)
	result.ExecutionMS = float64(elapsed.Microseconds()) / 1000.0
	metricQueries.WithLabelValues("ok").Inc()
	metricQueryDuration.Observe(elapsed.Seconds())
	return result, nil
}

func (e *Executor) collect(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if result.RowCount >= e.cfg.MaxRows {
			result.Truncated = true
			break
		}
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		shaped := make([]any, len(cols))
		for i, v := range raw {
			shaped[i] = coerceValue(v)
		}
		result.Rows = append(result.Rows, shaped)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// PoolStats exposes pool occupancy for the metrics snapshot.
func (e *Executor) PoolStats() PoolStats {
	return e.pool.stats()
}

// Close drains the pool and closes the database handle.
func (e *Executor) Close() error {
	e.pool.closeAll()
	return e.db.Close()
}

// coerceValue maps driver values onto JSON-friendly types: blobs to
// base64, timestamps to ISO-8601, nulls preserved.
func coerceValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return base64.StdEncoding.EncodeToString(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int64, float64, bool, string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
