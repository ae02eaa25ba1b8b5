// Package testutil builds throwaway stores and fixtures for tests.
package testutil

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"kyri56xcaesar/pms-portal/internal/store"
	"kyri56xcaesar/pms-portal/internal/workflow"
)

// NewStore opens a migrated SQLite store in a file under the test's temp
// dir. A file is used rather than :memory: so concurrent tests exercise the
// same locking as production.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "pms.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(context.Background(), ""))
	return s
}

var seq atomic.Int64

// PostgresDSNEnv names a disposable PostgreSQL database. Postgres-backed
// tests are skipped when it is unset.
const PostgresDSNEnv = "PMS_TEST_PG_DSN"

// NewPostgresStore opens a migrated PostgreSQL store in a schema of its own,
// dropped when the test ends.
func NewPostgresStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s is not set", PostgresDSNEnv)
	}
	ctx := context.Background()

	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(admin.Close)

	schema := fmt.Sprintf("pms_test_%d_%d", os.Getpid(), seq.Add(1))
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, err := admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})

	s, err := store.OpenPostgres(ctx, withSearchPath(t, dsn, schema))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx, ""))
	return s
}

func withSearchPath(t *testing.T, dsn, schema string) string {
	t.Helper()
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		require.NoError(t, err)
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn + " search_path=" + schema
}

// Backend opens a fresh migrated store.
type Backend struct {
	Name string
	Open func(t *testing.T) *store.Store
}

// Backends lists SQLite and, when PMS_TEST_PG_DSN is set, PostgreSQL.
func Backends() []Backend {
	return []Backend{
		{Name: "sqlite", Open: NewStore},
		{Name: "postgres", Open: NewPostgresStore},
	}
}

// EachBackend runs fn as a subtest against a fresh store of every backend.
func EachBackend(t *testing.T, fn func(t *testing.T, s *store.Store)) {
	t.Helper()
	for _, b := range Backends() {
		t.Run(b.Name, func(t *testing.T) {
			fn(t, b.Open(t))
		})
	}
}

// NewUser inserts a user with the role and returns it as an actor.
func NewUser(t *testing.T, s workflow.Store, role workflow.Role, name string) workflow.Actor {
	t.Helper()
	n := seq.Add(1)
	u, err := s.UpsertUser(context.Background(), workflow.User{
		Subject:  fmt.Sprintf("test-%d", n),
		Username: fmt.Sprintf("%s%d", role, n),
		Name:     name,
		Email:    fmt.Sprintf("%s%d@example.com", role, n),
		Role:     role,
	})
	require.NoError(t, err)
	return workflow.Actor{ID: u.ID, Role: u.Role, Name: u.Name}
}

// Billing is a workflow.Billing that counts calls and can be told to fail.
type Billing struct {
	mu    sync.Mutex
	Calls []int64
	Err   error
}

func (b *Billing) GenerateInvoice(_ context.Context, projectID int64, _ float64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, projectID)
	if b.Err != nil {
		return "", b.Err
	}
	return fmt.Sprintf("INV-%d", projectID), nil
}

func (b *Billing) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

// Env is a workflow service over a fresh store with a cast of users.
type Env struct {
	Store   *store.Store
	Billing *Billing
	Svc     *workflow.Service

	Admin  workflow.Actor
	Sales  workflow.Actor
	PM     workflow.Actor
	Client workflow.Actor
}

func NewEnv(t *testing.T) *Env {
	t.Helper()
	return NewEnvWith(t, NewStore(t))
}

// NewEnvWith builds the env over s.
func NewEnvWith(t *testing.T, s *store.Store) *Env {
	t.Helper()
	b := &Billing{}
	return &Env{
		Store:   s,
		Billing: b,
		Svc:     workflow.New(workflow.Deps{Store: s, Billing: b}),
		Admin:   NewUser(t, s, workflow.RoleAdmin, "Ada Admin"),
		Sales:   NewUser(t, s, workflow.RoleSales, "Sam Sales"),
		PM:      NewUser(t, s, workflow.RolePM, "Pat PM"),
		Client:  NewUser(t, s, workflow.RoleClient, "Cleo Client"),
	}
}

// SubmittedProposal creates a submitted proposal for the env client.
func (e *Env) SubmittedProposal(t *testing.T, title string) *workflow.Proposal {
	t.Helper()
	closeBy := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	p, err := e.Svc.Proposals.Create(context.Background(), e.Client, workflow.NewProposal{
		Title:         title,
		Description:   "test proposal",
		Value:         1000,
		ExpectedClose: &closeBy,
		Submit:        true,
	})
	require.NoError(t, err)
	return p
}

// ActiveProject runs a proposal through assignment and approval with pm.
func (e *Env) ActiveProject(t *testing.T, pm workflow.Actor) *workflow.Project {
	t.Helper()
	ctx := context.Background()
	p := e.SubmittedProposal(t, "Project "+time.Now().Format("150405.000000"))
	_, err := e.Svc.Proposals.AssignPM(ctx, e.Admin, p.ID, pm.ID)
	require.NoError(t, err)
	project, err := e.Svc.Proposals.Approve(ctx, e.Admin, p.ID, nil)
	require.NoError(t, err)
	return project
}
