package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"kyri56xcaesar/pms-portal/internal/utils"
	"kyri56xcaesar/pms-portal/internal/workflow"
)

// Queries are written once with $N placeholders. The database/sql adapter
// rewrites them to SQLite's numbered ?N form, which keeps repeated
// parameters working.

type rowScanner interface {
	Scan(dest ...any) error
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
	query(ctx context.Context, query string, args ...any) (rowsIter, error)
}

type conn interface {
	querier
	inTx(ctx context.Context, fn func(q querier) error) error
	ping(ctx context.Context) error
	close()
}

// pgx

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgxq struct {
	q pgxQuerier
}

func (p pgxq) exec(ctx context.Context, query string, args ...any) (int64, error) {
	ct, err := p.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (p pgxq) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return p.q.QueryRow(ctx, query, args...)
}

func (p pgxq) query(ctx context.Context, query string, args ...any) (rowsIter, error) {
	return p.q.Query(ctx, query, args...)
}

type pgxConn struct {
	pgxq
	pool *pgxpool.Pool
}

func (c *pgxConn) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(pgxq{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (c *pgxConn) ping(ctx context.Context) error { return c.pool.Ping(ctx) }

func (c *pgxConn) close() { c.pool.Close() }

// database/sql

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

func rebind(query string) string {
	return placeholder.ReplaceAllString(query, "?${1}")
}

type sqlq struct {
	q sqlQuerier
}

func (s sqlq) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s sqlq) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return s.q.QueryRowContext(ctx, rebind(query), args...)
}

func (s sqlq) query(ctx context.Context, query string, args ...any) (rowsIter, error) {
	rows, err := s.q.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

type sqlConn struct {
	sqlq
	db *sql.DB
}

func (c *sqlConn) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(sqlq{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (c *sqlConn) ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *sqlConn) close() { _ = c.db.Close() }

// helpers

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// notFoundOr maps a missing row to workflow.ErrNotFound.
func notFoundOr(err error) error {
	if isNoRows(err) {
		return workflow.ErrNotFound
	}
	return err
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02",
}

// nullTime scans timestamps from either driver: pgx hands over time.Time,
// SQLite may return the stored text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	}
	return fmt.Errorf("cannot scan %T into a timestamp", src)
}

func (n *nullTime) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	// time.Time.String() output carries a monotonic suffix and zone name
	if i := strings.Index(s, " m="); i > 0 {
		s = s[:i]
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// inList renders constant statuses as a quoted SQL list.
func inList[S ~string](statuses []S) string {
	return strings.Join(utils.Map(statuses, func(s S) string {
		return "'" + strings.ReplaceAll(string(s), "'", "''") + "'"
	}), ", ")
}

func normalizeLimit(n int) int {
	if n <= 0 {
		return 20
	}
	if n > 100 {
		return 100
	}
	return n
}
