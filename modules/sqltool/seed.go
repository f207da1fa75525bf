package sqltool

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
)

var seedStatements = []string{
	`CREATE TABLE IF NOT EXISTS facts (
		id INTEGER PRIMARY KEY,
		topic TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS financial_records (
		id INTEGER PRIMARY KEY,
		quarter TEXT NOT NULL,
		year INTEGER NOT NULL,
		revenue REAL NOT NULL,
		costs REAL NOT NULL
	)`,
}

var seedRows = []string{
	`INSERT INTO facts (topic, body, updated_at) VALUES
		('company', 'Acme Corp was founded in 2009 and operates in 14 countries.', '2025-01-10T00:00:00Z'),
		('company', 'Acme Corp employs roughly 3,200 people.', '2025-03-02T00:00:00Z'),
		('product', 'The flagship product line is industrial sensors.', '2025-02-18T00:00:00Z')`,
	`INSERT INTO financial_records (quarter, year, revenue, costs) VALUES
		('Q1', 2025, 1234567.89, 810000.00),
		('Q2', 2025, 1310200.50, 845500.25),
		('Q3', 2024, 1105000.00, 790300.10),
		('Q4', 2024, 1280450.75, 860120.40)`,
}

// SeedDemo creates and populates a small demo dataset so the binary can
// answer questions out of the box. Populated tables are left untouched,
// so calling it twice is safe.
func (e *Executor) SeedDemo(ctx context.Context) error {
	for _, stmt := range seedStatements {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating demo tables: %w", err)
		}
	}

	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&n); err != nil {
		return fmt.Errorf("checking demo data: %w", err)
	}
	if n == 0 {
		for _, stmt := range seedRows {
			if _, err := e.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("inserting demo rows: %w", err)
			}
		}
		level.Info(e.logger).Log("msg", "seeded demo dataset", "path", e.cfg.DatabasePath)
	}

	return e.RefreshSchema(ctx)
}
