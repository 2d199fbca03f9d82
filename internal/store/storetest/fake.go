// Package storetest provides an in-memory store.Querier so components
// built on the repository layer can be exercised without Postgres. Tests
// route statements by SQL text and hand back plain value grids.
package storetest

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Statement records one issued statement.
type Statement struct {
	SQL  string
	Args []any
}

// Fake implements store.Querier. ExecFn returns the affected-row count for
// a statement; QueryFn returns its result rows. A nil function means zero
// rows. Every statement is also recorded for assertions.
type Fake struct {
	ExecFn  func(sql string, args []any) (int64, error)
	QueryFn func(sql string, args []any) ([][]any, error)

	Execs   []Statement
	Queries []Statement
}

// Exec records the statement and reports ExecFn's row count.
func (f *Fake) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.Execs = append(f.Execs, Statement{SQL: sql, Args: args})
	var n int64
	if f.ExecFn != nil {
		var err error
		if n, err = f.ExecFn(sql, args); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil
}

// Query records the statement and returns QueryFn's rows.
func (f *Fake) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.Queries = append(f.Queries, Statement{SQL: sql, Args: args})
	var grid [][]any
	if f.QueryFn != nil {
		var err error
		if grid, err = f.QueryFn(sql, args); err != nil {
			return nil, err
		}
	}
	return &rows{grid: grid, idx: -1}, nil
}

// QueryRow returns the first row of Query, or pgx.ErrNoRows on Scan when
// there is none.
func (f *Fake) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	r, err := f.Query(ctx, sql, args...)
	if err != nil {
		return errRow{err: err}
	}
	return row{rows: r.(*rows)}
}

// rows walks a value grid behind the pgx.Rows interface.
type rows struct {
	grid [][]any
	idx  int
	err  error
}

func (r *rows) Close()                                       {}
func (r *rows) Err() error                                   { return r.err }
func (r *rows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rows) RawValues() [][]byte                          { return nil }
func (r *rows) Conn() *pgx.Conn                              { return nil }

func (r *rows) Next() bool {
	r.idx++
	return r.idx < len(r.grid)
}

func (r *rows) Values() ([]any, error) {
	if r.idx < 0 || r.idx >= len(r.grid) {
		return nil, pgx.ErrNoRows
	}
	return r.grid[r.idx], nil
}

func (r *rows) Scan(dest ...any) error {
	vals, err := r.Values()
	if err != nil {
		return err
	}
	if len(vals) != len(dest) {
		return fmt.Errorf("scan: row has %d columns, %d destinations", len(vals), len(dest))
	}
	for i, v := range vals {
		if err := assign(dest[i], v); err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}

// assign copies one column value into a scan destination. A nil value
// leaves the destination at its zero value, matching a SQL NULL into a
// nilable target.
func assign(dest, val any) error {
	if val == nil {
		return nil
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination %T is not a non-nil pointer", dest)
	}
	ev := dv.Elem()
	vv := reflect.ValueOf(val)
	switch {
	case vv.Type().AssignableTo(ev.Type()):
		ev.Set(vv)
	case ev.Kind() == reflect.Pointer && vv.Type().AssignableTo(ev.Type().Elem()):
		p := reflect.New(ev.Type().Elem())
		p.Elem().Set(vv)
		ev.Set(p)
	case vv.Type().ConvertibleTo(ev.Type()):
		ev.Set(vv.Convert(ev.Type()))
	default:
		return fmt.Errorf("cannot put %T into %T", val, dest)
	}
	return nil
}

type row struct {
	rows *rows
}

func (r row) Scan(dest ...any) error {
	defer r.rows.Close()
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error { return r.err }
