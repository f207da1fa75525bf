package sqltool

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factlabs/fact/modules/registry"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("sql", flag.NewFlagSet("test", flag.PanicOnError))
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	return cfg
}

func seedDatabase(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE facts (
			id INTEGER PRIMARY KEY,
			topic TEXT NOT NULL,
			body TEXT,
			payload BLOB,
			updated_at TEXT
		);
		CREATE TABLE sources (
			id INTEGER PRIMARY KEY,
			url TEXT NOT NULL
		);
	`)
	require.NoError(t, err)

	for i := 1; i <= 20; i++ {
		_, err = db.Exec(`INSERT INTO facts (topic, body, payload, updated_at) VALUES (?, ?, ?, ?)`,
			"topic", "body text", []byte{0x01, 0x02}, "2026-08-25T10:00:00Z")
		require.NoError(t, err)
	}
}

func testExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	seedDatabase(t, cfg.DatabasePath)
	exec, err := NewExecutor(cfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })
	return exec
}

func TestValidatorRejections(t *testing.T) {
	v := newValidator()
	v.setKnownTables([]string{"facts", "sources"})

	tests := []struct {
		name      string
		statement string
		reason    string
	}{
		{"insert", "INSERT INTO facts VALUES (1)", "not_a_select"},
		{"delete via select alias", "SELECT * FROM facts; DELETE FROM facts", "denied_keyword"},
		{"drop keyword", "SELECT * FROM facts WHERE topic = 'x' AND (SELECT 1) = 1 drop", "denied_keyword"},
		{"union select", "SELECT id FROM facts UNION SELECT id FROM sources", "injection_marker"},
		{"or tautology", "SELECT * FROM facts WHERE topic = '' OR 1=1", "injection_marker"},
		{"semicolon comment", "SELECT * FROM facts; --", "injection_marker"},
		{"block comment", "SELECT /* sneaky */ * FROM facts", "injection_marker"},
		{"line comment", "SELECT * FROM facts -- trailing", "injection_marker"},
		{"stacked statement", "SELECT 1; SELECT 2", "stacked_statement"},
		{"not select", "VACUUM", "not_a_select"},
		{"empty", "   ", "empty_statement"},
		{"pragma free form", "PRAGMA journal_mode = wal", "pragma_not_allowed"},
		{"pragma unknown table", "PRAGMA table_info(secrets)", "unknown_table"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, verr := v.validate(tc.statement)
			require.NotNil(t, verr, "statement should be rejected")
			assert.Equal(t, tc.reason, verr.Reason)
		})
	}
}

func TestValidatorAccepts(t *testing.T) {
	v := newValidator()
	v.setKnownTables([]string{"facts"})

	accepted := []string{
		"SELECT * FROM facts",
		"SELECT id, topic FROM facts WHERE topic = ? LIMIT 10",
		"select count(*) from facts",
		"SELECT * FROM facts WHERE body = 'it is -- not a comment'",
		"SELECT 1;",
	}
	for _, s := range accepted {
		_, verr := v.validate(s)
		assert.Nil(t, verr, "statement %q should pass", s)
	}

	table, verr := v.validate("PRAGMA table_info(facts)")
	require.Nil(t, verr)
	assert.Equal(t, "facts", table)
}

func TestValidatorLimits(t *testing.T) {
	v := newValidator()

	long := "SELECT '" + string(make([]byte, maxStatementLength)) + "'"
	_, verr := v.validate(long)
	require.NotNil(t, verr)
	assert.Equal(t, "statement_too_long", verr.Reason)

	joins := "SELECT * FROM t0"
	for i := 1; i <= maxJoinedTables+1; i++ {
		joins += " JOIN t" // keeps the statement short while counting tokens
	}
	_, verr = v.validate(joins)
	require.NotNil(t, verr)
	assert.Equal(t, "too_many_joins", verr.Reason)
}

func TestQueryRoundtrip(t *testing.T) {
	exec := testExecutor(t, testConfig(t))

	result, err := exec.Query(context.Background(), "SELECT id, topic, payload FROM facts ORDER BY id LIMIT 3", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "topic", "payload"}, result.Columns)
	assert.Equal(t, 3, result.RowCount)
	assert.False(t, result.Truncated)
	assert.Greater(t, result.ExecutionMS, 0.0)

	// blobs come back base64 encoded
	assert.Equal(t, "AQI=", result.Rows[0][2])
}

func TestQueryParameterized(t *testing.T) {
	exec := testExecutor(t, testConfig(t))

	result, err := exec.Query(context.Background(), "SELECT COUNT(*) FROM facts WHERE topic = ?", []any{"topic"})
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)
	assert.Equal(t, int64(20), result.Rows[0][0])
}

func TestQueryTruncation(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRows = 5
	exec := testExecutor(t, cfg)

	result, err := exec.Query(context.Background(), "SELECT id FROM facts", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result.RowCount)
	assert.True(t, result.Truncated)
}

func TestQueryViolationNeverTouchesPool(t *testing.T) {
	exec := testExecutor(t, testConfig(t))

	_, err := exec.Query(context.Background(), "DELETE FROM facts", nil)
	var verr *ViolationError
	require.ErrorAs(t, err, &verr)

	stats := exec.PoolStats()
	assert.Equal(t, 0, stats.Total, "validation failure must not acquire a connection")

	// the table is untouched
	result, err := exec.Query(context.Background(), "SELECT COUNT(*) FROM facts", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20), result.Rows[0][0])
}

func TestQueryPragmaWhitelisted(t *testing.T) {
	exec := testExecutor(t, testConfig(t))

	result, err := exec.Query(context.Background(), "PRAGMA table_info(facts)", nil)
	require.NoError(t, err)
	assert.Contains(t, result.Columns, "name")
	assert.Equal(t, 5, result.RowCount)

	_, err = exec.Query(context.Background(), "PRAGMA table_info(missing)", nil)
	var verr *ViolationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "unknown_table", verr.Reason)
}

func TestPoolReusesConnections(t *testing.T) {
	exec := testExecutor(t, testConfig(t))

	for i := 0; i < 5; i++ {
		_, err := exec.Query(context.Background(), "SELECT 1", nil)
		require.NoError(t, err)
	}

	stats := exec.PoolStats()
	assert.Equal(t, 1, stats.Total, "sequential queries share one connection")
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Busy)
}

func TestPoolExhaustion(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	cfg.AcquireTimeout = 100 * time.Millisecond
	exec := testExecutor(t, cfg)

	// hold the only connection
	conn, err := exec.pool.acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = exec.pool.acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// a released connection unblocks the next waiter
	done := make(chan error, 1)
	go func() {
		c, err := exec.pool.acquire(context.Background())
		if err == nil {
			exec.pool.release(c, true)
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	exec.pool.release(conn, true)
	require.NoError(t, <-done)
}

func TestRegisteredTools(t *testing.T) {
	exec := testExecutor(t, testConfig(t))

	regCfg := registry.Config{}
	regCfg.RegisterFlagsAndApplyDefaults("tools", flag.NewFlagSet("test", flag.PanicOnError))
	reg, err := registry.New(regCfg, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, RegisterTools(reg, exec))

	// query tool round trip
	inv := reg.Invoke(context.Background(), ToolQueryReadonly, map[string]any{"statement": "SELECT COUNT(*) FROM facts"}, "u1")
	require.Equal(t, "succeeded", inv.Status)
	result, ok := inv.Result.(*Result)
	require.True(t, ok)
	assert.Equal(t, int64(20), result.Rows[0][0])

	// write attempt surfaces as a structured security violation
	inv = reg.Invoke(context.Background(), ToolQueryReadonly, map[string]any{"statement": "DROP TABLE facts"}, "u1")
	require.Equal(t, "failed", inv.Status)
	assert.Equal(t, registry.KindSecurityViolation, inv.Err.Kind)

	// query tool requires auth
	inv = reg.Invoke(context.Background(), ToolQueryReadonly, map[string]any{"statement": "SELECT 1"}, "")
	require.Equal(t, "failed", inv.Status)
	assert.Equal(t, registry.KindUnauthorized, inv.Err.Kind)

	// schema tool lists both tables with columns
	inv = reg.Invoke(context.Background(), ToolGetSchema, map[string]any{}, "u1")
	require.Equal(t, "succeeded", inv.Status)
	schema, ok := inv.Result.(map[string]any)
	require.True(t, ok)
	tables, ok := schema["tables"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, tables, 2)
	assert.Equal(t, "facts", tables[0]["table"])
	assert.Equal(t, "sources", tables[1]["table"])

	// sample queries are static
	inv = reg.Invoke(context.Background(), ToolGetSampleQueries, map[string]any{}, "u1")
	require.Equal(t, "succeeded", inv.Status)
}

func TestHandlerErrorDoesNotLeakDriverDetail(t *testing.T) {
	exec := testExecutor(t, testConfig(t))

	handler := queryHandler(exec)
	_, err := handler(context.Background(), map[string]any{"statement": "SELECT missing_column FROM facts"})
	require.Error(t, err)

	var rerr *registry.Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, registry.KindToolHandlerError, rerr.Kind)
	assert.NotContains(t, rerr.Message, "missing_column")
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig(t)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero acquire timeout", func(c *Config) { c.AcquireTimeout = 0 }},
		{"zero query timeout", func(c *Config) { c.QueryTimeout = 0 }},
		{"zero max rows", func(c *Config) { c.MaxRows = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSeedDemo(t *testing.T) {
	cfg := testConfig(t)
	exec, err := NewExecutor(cfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })

	require.Empty(t, exec.KnownTables())
	require.NoError(t, exec.SeedDemo(context.Background()))
	assert.Equal(t, []string{"facts", "financial_records"}, exec.KnownTables())

	result, err := exec.Query(context.Background(), "SELECT COUNT(*) FROM financial_records", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Rows[0][0])

	// a second seed leaves the existing rows alone
	require.NoError(t, exec.SeedDemo(context.Background()))
	result, err = exec.Query(context.Background(), "SELECT COUNT(*) FROM facts", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Rows[0][0])
}
