package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

func TestRebind(t *testing.T) {
	assert.Equal(t,
		"UPDATE t SET a = ?1 WHERE id = ?2 AND b = ?1",
		rebind("UPDATE t SET a = $1 WHERE id = $2 AND b = $1"))
	assert.Equal(t, "SELECT ?10, ?2", rebind("SELECT $10, $2"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestNullTimeScan(t *testing.T) {
	want := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name  string
		src   any
		valid bool
	}{
		{"nil", nil, false},
		{"time", want.In(time.FixedZone("EET", 2*3600)), true},
		{"sqlite default", "2026-03-14 09:26:53+00:00", true},
		{"rfc3339", "2026-03-14T09:26:53Z", true},
		{"current_timestamp", "2026-03-14 09:26:53", true},
		{"bytes", []byte("2026-03-14T11:26:53+02:00"), true},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n nullTime
			require.NoError(t, n.Scan(tt.src))
			assert.Equal(t, tt.valid, n.Valid)
			if tt.valid {
				assert.True(t, want.Equal(n.Time), "got %v", n.Time)
				assert.Equal(t, time.UTC, n.Time.Location())
			}
		})
	}

	var n nullTime
	assert.Error(t, n.Scan(42))
	assert.Error(t, n.Scan("yesterday"))
}

func TestInList(t *testing.T) {
	assert.Equal(t, "'submitted', 'client_review'",
		inList([]workflow.ProposalStatus{workflow.ProposalSubmitted, workflow.ProposalClientReview}))
	assert.Equal(t, "'it''s'", inList([]string{"it's"}))
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 20, normalizeLimit(0))
	assert.Equal(t, 20, normalizeLimit(-3))
	assert.Equal(t, 7, normalizeLimit(7))
	assert.Equal(t, 100, normalizeLimit(1000))
}

func TestMigrateIsRepeatable(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "pms.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx, ""))
	require.NoError(t, s.Migrate(ctx, ""))
	require.NoError(t, s.Ping(ctx))
	assert.Equal(t, SQLite, s.Dialect())

	assert.Error(t, s.Migrate(ctx, filepath.Join(t.TempDir(), "missing.sql")))
}

func TestStatements(t *testing.T) {
	script := `-- header; with a semicolon
CREATE TABLE a (id INTEGER); -- trailing; comment
INSERT INTO a (note) VALUES ('x; -- not a comment');
INSERT INTO a (note) VALUES ('it''s');

;`
	assert.Equal(t, []string{
		"CREATE TABLE a (id INTEGER)",
		"INSERT INTO a (note) VALUES ('x; -- not a comment')",
		"INSERT INTO a (note) VALUES ('it''s')",
	}, statements(script))
	assert.Empty(t, statements("-- only a comment; really\n\n"))
}

func TestMigrateIgnoresSemicolonsInComments(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "pms.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "init.sql")
	require.NoError(t, os.WriteFile(path, []byte(`-- notes mirror tickets; one row each
CREATE TABLE IF NOT EXISTS notes (
    id   INTEGER PRIMARY KEY,
    body TEXT NOT NULL DEFAULT '' -- free text; may be empty
);
-- seeded; twice is fine
INSERT INTO notes (id, body) VALUES (1, 'a;b') ON CONFLICT (id) DO NOTHING;
`), 0o644))
	require.NoError(t, s.Migrate(ctx, path))
	require.NoError(t, s.Migrate(ctx, path))

	var body string
	require.NoError(t, s.db.queryRow(ctx, `SELECT body FROM notes WHERE id = $1`, 1).Scan(&body))
	assert.Equal(t, "a;b", body)
}

func TestInTxRollsBack(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "pms.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx, ""))

	err = s.db.inTx(ctx, func(q querier) error {
		_, err := q.exec(ctx, `INSERT INTO users (subject, username, role, created_at) VALUES ($1, $2, $3, $4)`,
			"rollback", "ghost", "client", time.Now().UTC())
		require.NoError(t, err)
		return workflow.ErrIncompleteWork
	})
	assert.ErrorIs(t, err, workflow.ErrIncompleteWork)

	var n int
	require.NoError(t, s.db.queryRow(ctx, `SELECT COUNT(*) FROM users WHERE subject = $1`, "rollback").Scan(&n))
	assert.Zero(t, n)
}
