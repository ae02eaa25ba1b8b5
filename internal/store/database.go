// Package store persists the portal workflow in PostgreSQL or SQLite.
//
// Every guarded transition is a single conditional statement (or a short
// transaction of them), so concurrent callers race on the database and
// exactly one of them observes an applied change.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

var _ workflow.Store = (*Store)(nil)

//go:embed db/*.sql
var schemas embed.FS

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Store implements workflow.Store.
type Store struct {
	db      conn
	dialect Dialect
}

// OpenPostgres connects a pgx pool to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not connect to the database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping the db: %w", err)
	}
	return &Store{db: &pgxConn{pgxq: pgxq{q: pool}, pool: pool}, dialect: Postgres}, nil
}

// OpenSQLite opens the database file at path (":memory:" for a private
// in-memory database). Writes go through a single connection.
func OpenSQLite(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &Store{db: &sqlConn{sqlq: sqlq{q: db}, db: db}, dialect: SQLite}, nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

// Migrate applies the schema. When initSQLPath is set that file is used
// instead of the embedded schema of the dialect.
func (s *Store) Migrate(ctx context.Context, initSQLPath string) error {
	var (
		b   []byte
		err error
	)
	if initSQLPath != "" {
		b, err = os.ReadFile(initSQLPath)
	} else {
		b, err = schemas.ReadFile("db/" + string(s.dialect) + ".sql")
	}
	if err != nil {
		return fmt.Errorf("failed to read the init sql: %w", err)
	}

	for _, stmt := range statements(string(b)) {
		if _, err := s.db.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply init sql: %w", err)
		}
	}
	return nil
}

// statements drops "--" comments and splits script on the semicolons left,
// ignoring both inside single-quoted literals.
func statements(script string) []string {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		ch := script[i]
		switch {
		case comment:
			if ch == '\n' {
				comment = false
				cur.WriteByte(ch)
			}
		case quoted:
			cur.WriteByte(ch)
			if ch == '\'' {
				quoted = false
			}
		case ch == '\'':
			quoted = true
			cur.WriteByte(ch)
		case ch == '-' && i+1 < len(script) && script[i+1] == '-':
			comment = true
			i++
		case ch == ';':
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return out
}

func (s *Store) Ping(ctx context.Context) error { return s.db.ping(ctx) }

func (s *Store) Close() { s.db.close() }

// lockPM serializes capacity checks for one PM until the transaction ends.
// SQLite already runs one writer at a time.
func (s *Store) lockPM(ctx context.Context, q querier, pmID int64) error {
	if s.dialect != Postgres {
		return nil
	}
	_, err := q.exec(ctx, `SELECT pg_advisory_xact_lock($1)`, pmID)
	return err
}
