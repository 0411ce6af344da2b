package queryrouting

import (
	"context"
	"reflect"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/database"
)

// maxResultRows bounds a materialized result set. Statements expected
// to exceed this belong on the analytical engine with a LIMIT.
const maxResultRows = 500000

// OLTPExecutor adapts the transactional pool to the router.
type OLTPExecutor struct {
	pool *database.OLTPPool
}

func NewOLTPExecutor(pool *database.OLTPPool) *OLTPExecutor {
	return &OLTPExecutor{pool: pool}
}

func (e *OLTPExecutor) Execute(ctx context.Context, sql string, args ...any) ([]string, [][]any, error) {
	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil, errors.NewTransientError("OLTP_QUERY_FAILED", "executing on transactional engine").WithCause(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var out [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, errors.NewTransientError("OLTP_SCAN_FAILED", "reading transactional row").WithCause(err)
		}
		out = append(out, values)
		if len(out) >= maxResultRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.NewTransientError("OLTP_READ_FAILED", "iterating transactional rows").WithCause(err)
	}
	return columns, out, nil
}

// OLAPExecutor adapts the analytical pool to the router.
type OLAPExecutor struct {
	pool *database.OLAPPool
}

func NewOLAPExecutor(pool *database.OLAPPool) *OLAPExecutor {
	return &OLAPExecutor{pool: pool}
}

func (e *OLAPExecutor) Execute(ctx context.Context, sql string, args ...any) ([]string, [][]any, error) {
	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil, errors.NewTransientError("OLAP_QUERY_FAILED", "executing on analytical engine").WithCause(err)
	}
	defer rows.Close()

	columns := rows.Columns()
	types := rows.ColumnTypes()

	var out [][]any
	for rows.Next() {
		dest := make([]any, len(types))
		for i, t := range types {
			dest[i] = reflect.New(t.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, errors.NewTransientError("OLAP_SCAN_FAILED", "reading analytical row").WithCause(err)
		}
		values := make([]any, len(dest))
		for i, d := range dest {
			values[i] = reflect.ValueOf(d).Elem().Interface()
		}
		out = append(out, values)
		if len(out) >= maxResultRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.NewTransientError("OLAP_READ_FAILED", "iterating analytical rows").WithCause(err)
	}
	return columns, out, nil
}
