package store

import (
	"context"
	"database/sql"
	"time"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

// UpsertUser creates or refreshes the mirror row of an identity.
func (s *Store) UpsertUser(ctx context.Context, u workflow.User) (*workflow.User, error) {
	var subject any
	if u.Subject != "" {
		subject = u.Subject
	}
	var created nullTime
	err := s.db.queryRow(ctx, `
		INSERT INTO users (subject, username, name, email, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject) DO UPDATE SET
			username = excluded.username,
			name = excluded.name,
			email = excluded.email,
			role = excluded.role
		RETURNING id, created_at
	`, subject, u.Username, u.Name, u.Email, string(u.Role), time.Now().UTC()).Scan(&u.ID, &created)
	if err != nil {
		return nil, err
	}
	u.Created = created.Time
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*workflow.User, error) {
	var (
		u       workflow.User
		subject sql.NullString
		role    string
		created nullTime
	)
	err := s.db.queryRow(ctx, `
		SELECT id, subject, username, name, email, role, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &subject, &u.Username, &u.Name, &u.Email, &role, &created)
	if err != nil {
		return nil, notFoundOr(err)
	}
	u.Subject = subject.String
	u.Role = workflow.Role(role)
	u.Created = created.Time
	return &u, nil
}
