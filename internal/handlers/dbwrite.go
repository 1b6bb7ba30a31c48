package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/policy"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// DBGateType is the gate scope used for approved database writes.
const DBGateType = "manual:db"

// Writer applies one database mutation. Implementations must use
// parameterized statements; values/where are column -> value maps.
type Writer interface {
	Write(ctx context.Context, table, op string, values, where map[string]any) (int64, error)
}

// DBWriteHandler performs guarded database writes (tool "db_write").
// Inputs:
//   - table:  target table (required)
//   - op:     insert | update | delete | upsert (required)
//   - values: column -> value map (insert/update/upsert)
//   - where:  column -> value equality filter (update/delete)
//
// Every write goes through the Gatekeeper first: a policy denial fails the
// step permanently, a pending approval parks the attempt via delayed
// re-enqueue, and only an approved (or approval-exempt) write executes.
type DBWriteHandler struct {
	writer Writer
}

// NewDBWriteHandler creates a DBWriteHandler over the given Writer.
func NewDBWriteHandler(writer Writer) *DBWriteHandler {
	return &DBWriteHandler{writer: writer}
}

func (h *DBWriteHandler) Match(tool string) bool {
	return tool == "db_write"
}

func (h *DBWriteHandler) Run(ctx context.Context, inv *Invocation) error {
	table := stringParam(inv.Inputs, "table", "")
	op := strings.ToLower(stringParam(inv.Inputs, "op", ""))
	if table == "" || op == "" {
		return schema.NewError(schema.ErrCodeValidation,
			"db_write: 'table' and 'op' inputs are required").WithStep(inv.Step.ID)
	}

	outcome, err := inv.Gatekeeper.Check(ctx, policy.CheckRequest{
		Run:         inv.Run,
		Step:        inv.Step,
		GateType:    DBGateType,
		Table:       table,
		Op:          op,
		DeniedEvent: schema.EventDBWriteDenied,
	})
	if err != nil {
		return err
	}
	if outcome == policy.Wait {
		inv.Suspend()
		return nil
	}

	rows, err := h.writer.Write(ctx, table, op,
		mapParam(inv.Inputs, "values"), mapParam(inv.Inputs, "where"))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "db_write: %s %s: %v", op, table, err).
			WithStep(inv.Step.ID).WithCause(err)
	}

	if err := inv.Recorder.Record(ctx, inv.Run.ID, schema.EventDBWriteSucceeded, map[string]any{
		"table":        table,
		"op":           op,
		"rowsAffected": rows,
	}, inv.Step.ID); err != nil {
		return err
	}

	inv.SetOutputs(map[string]any{
		"table":        table,
		"op":           op,
		"rowsAffected": rows,
	})
	return nil
}

// SQLWriter applies writes to a SQL database with parameterized statements.
// Identifiers are validated against a conservative pattern since they cannot
// be bound as parameters.
type SQLWriter struct {
	db *sql.DB
}

// NewSQLWriter creates a SQLWriter over db.
func NewSQLWriter(db *sql.DB) *SQLWriter {
	return &SQLWriter{db: db}
}

func (w *SQLWriter) Write(ctx context.Context, table, op string, values, where map[string]any) (int64, error) {
	if !validIdent(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	for col := range values {
		if !validIdent(col) {
			return 0, fmt.Errorf("invalid column name %q", col)
		}
	}
	for col := range where {
		if !validIdent(col) {
			return 0, fmt.Errorf("invalid column name %q", col)
		}
	}

	var query string
	var args []any
	switch op {
	case "insert", "upsert":
		if len(values) == 0 {
			return 0, fmt.Errorf("%s requires values", op)
		}
		cols := sortedKeys(values)
		placeholders := make([]string, len(cols))
		for i, col := range cols {
			placeholders[i] = "?"
			args = append(args, values[col])
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if op == "upsert" {
			sets := make([]string, len(cols))
			for i, col := range cols {
				sets[i] = col + " = excluded." + col
			}
			query += " ON CONFLICT DO UPDATE SET " + strings.Join(sets, ", ")
		}

	case "update":
		if len(values) == 0 {
			return 0, fmt.Errorf("update requires values")
		}
		if len(where) == 0 {
			return 0, fmt.Errorf("update requires a where filter")
		}
		cols := sortedKeys(values)
		sets := make([]string, len(cols))
		for i, col := range cols {
			sets[i] = col + " = ?"
			args = append(args, values[col])
		}
		conds, condArgs := whereClause(where)
		args = append(args, condArgs...)
		query = fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), conds)

	case "delete":
		if len(where) == 0 {
			return 0, fmt.Errorf("delete requires a where filter")
		}
		conds, condArgs := whereClause(where)
		args = condArgs
		query = fmt.Sprintf("DELETE FROM %s WHERE %s", table, conds)

	default:
		return 0, fmt.Errorf("unsupported op %q", op)
	}

	res, err := w.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func whereClause(where map[string]any) (string, []any) {
	cols := sortedKeys(where)
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		conds[i] = col + " = ?"
		args[i] = where[col]
	}
	return strings.Join(conds, " AND "), args
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
