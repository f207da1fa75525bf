package sqltool

import (
	"context"
	"errors"
	"fmt"

	"github.com/factlabs/fact/modules/registry"
)

const (
	// ToolQueryReadonly executes a validated read-only statement.
	ToolQueryReadonly = "SQL.QueryReadonly"
	// ToolGetSchema returns table and column metadata.
	ToolGetSchema = "SQL.GetSchema"
	// ToolGetSampleQueries returns a curated list of example statements.
	ToolGetSampleQueries = "SQL.GetSampleQueries"
)

var sampleQueries = []map[string]any{
	{
		"description": "Count rows in a table",
		"statement":   "SELECT COUNT(*) FROM facts",
	},
	{
		"description": "Most recently updated rows",
		"statement":   "SELECT * FROM facts ORDER BY updated_at DESC LIMIT 10",
	},
	{
		"description": "Inspect a table's columns",
		"statement":   "PRAGMA table_info(facts)",
	},
}

// RegisterTools wires the SQL tools into the registry. All three are
// read-only and require an authenticated user.
func RegisterTools(reg *registry.Registry, exec *Executor) error {
	tools := []registry.Tool{
		{
			Name:        ToolQueryReadonly,
			Description: "Execute a read-only SQL SELECT statement against the local database. Write operations are rejected.",
			Parameters: registry.ParameterSchema{
				Properties: map[string]registry.Property{
					"statement": {
						Type:        "string",
						Description: "The SELECT statement to execute.",
						MinLength:   intPtr(1),
						MaxLength:   intPtr(maxStatementLength),
					},
				},
				Required: []string{"statement"},
			},
			Handler:      queryHandler(exec),
			RequiresAuth: true,
			Version:      1,
		},
		{
			Name:        ToolGetSchema,
			Description: "List the tables and columns available to SQL.QueryReadonly.",
			Parameters:  registry.ParameterSchema{Properties: map[string]registry.Property{}},
			Handler:     schemaHandler(exec),
			Version:     1,
		},
		{
			Name:        ToolGetSampleQueries,
			Description: "Return example statements that demonstrate the available data.",
			Parameters:  registry.ParameterSchema{Properties: map[string]registry.Property{}},
			Handler: func(_ context.Context, _ map[string]any) (any, error) {
				return map[string]any{"samples": sampleQueries}, nil
			},
			Version: 1,
		},
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("registering %s: %w", t.Name, err)
		}
	}
	return nil
}

func queryHandler(exec *Executor) registry.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		statement, _ := args["statement"].(string)

		result, err := exec.Query(ctx, statement, nil)
		if err != nil {
			var verr *ViolationError
			switch {
			case errors.As(err, &verr):
				return nil, &registry.Error{
					Kind:    registry.KindSecurityViolation,
					Code:    verr.Reason,
					Message: verr.Message,
				}
			case errors.Is(err, ErrQueryTimeout):
				return nil, &registry.Error{
					Kind:    registry.KindToolTimeout,
					Code:    "query_timeout",
					Message: "query exceeded its time limit",
				}
			case errors.Is(err, ErrPoolExhausted):
				return nil, &registry.Error{
					Kind:    registry.KindToolHandlerError,
					Code:    "pool_exhausted",
					Message: "no database connection available; retry later",
				}
			default:
				// driver errors carry table and file details; keep them out
				return nil, &registry.Error{
					Kind:    registry.KindToolHandlerError,
					Code:    "query_failed",
					Message: "query execution failed",
				}
			}
		}
		return result, nil
	}
}

func schemaHandler(exec *Executor) registry.Handler {
	return func(ctx context.Context, _ map[string]any) (any, error) {
		tables := exec.KnownTables()
		out := make([]map[string]any, 0, len(tables))
		for _, table := range tables {
			result, err := exec.Query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table), nil)
			if err != nil {
				return nil, err
			}
			cols := make([]map[string]any, 0, len(result.Rows))
			for _, row := range result.Rows {
				// table_info rows: cid, name, type, notnull, dflt_value, pk
				col := map[string]any{}
				for i, c := range result.Columns {
					col[c] = row[i]
				}
				cols = append(cols, col)
			}
			out = append(out, map[string]any{"table": table, "columns": cols})
		}
		return map[string]any{"tables": out}, nil
	}
}

func intPtr(v int) *int { return &v }
