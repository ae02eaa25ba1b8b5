package store

import (
	"context"
	"fmt"
	"strings"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

const projectColumns = `id, client_id, pm_id, title, budget, spent, deadline, status, created_at`

func scanProject(row rowScanner) (*workflow.Project, error) {
	var (
		p                 workflow.Project
		deadline, created nullTime
		status            string
	)
	if err := row.Scan(&p.ID, &p.ClientID, &p.PMID, &p.Title, &p.Budget, &p.Spent, &deadline, &status, &created); err != nil {
		return nil, err
	}
	p.Deadline = deadline.ptr()
	p.Status = workflow.ProjectStatus(status)
	p.CreatedAt = created.Time
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*workflow.Project, error) {
	p, err := scanProject(s.db.queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, f workflow.ProjectFilter) ([]workflow.Project, error) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 5)
	i := 1

	if f.PMID != 0 {
		where = append(where, fmt.Sprintf("pm_id = $%d", i))
		args = append(args, f.PMID)
		i++
	}
	if f.ClientID != 0 {
		where = append(where, fmt.Sprintf("client_id = $%d", i))
		args = append(args, f.ClientID)
		i++
	}
	if f.DeveloperID != 0 {
		where = append(where, fmt.Sprintf(`id IN (
			SELECT project_id FROM project_developers WHERE developer_id = $%[1]d
			UNION
			SELECT project_id FROM tasks WHERE assignee = $%[1]d OR locked_by = $%[1]d
		)`, i))
		args = append(args, f.DeveloperID)
		i++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", i))
		args = append(args, string(f.Status))
		i++
	}

	query := `SELECT ` + projectColumns + ` FROM projects`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", i)
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]workflow.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ProgressCounts counts the leaves of the project tree: subtasks, and
// milestones without subtasks.
func (s *Store) ProgressCounts(ctx context.Context, projectID int64) (done, total int, err error) {
	err = s.db.queryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN t.status = 'done' THEN 1 ELSE 0 END), 0)
		FROM tasks t
		WHERE t.project_id = $1
		  AND NOT EXISTS (SELECT 1 FROM tasks c WHERE c.parent_id = t.id)
	`, projectID).Scan(&total, &done)
	return done, total, err
}

// ProjectTeam returns the developers assigned to the project or holding or
// nominated for any of its tasks.
func (s *Store) ProjectTeam(ctx context.Context, projectID int64) ([]int64, error) {
	rows, err := s.db.query(ctx, `
		SELECT developer_id FROM project_developers WHERE project_id = $1
		UNION
		SELECT assignee FROM tasks WHERE project_id = $1 AND assignee IS NOT NULL
		UNION
		SELECT locked_by FROM tasks WHERE project_id = $1 AND locked_by IS NOT NULL
		ORDER BY 1
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AssignDeveloper adds the developer to the project team and nominates them
// for every unfinished task nobody holds. Returns the number of tasks
// nominated.
func (s *Store) AssignDeveloper(ctx context.Context, projectID, developerID int64) (int64, error) {
	var n int64
	err := s.db.inTx(ctx, func(q querier) error {
		if err := activeProject(ctx, q, projectID); err != nil {
			return err
		}
		if _, err := q.exec(ctx, `
			INSERT INTO project_developers (project_id, developer_id, created_at)
			VALUES ($1, $2, CURRENT_TIMESTAMP)
			ON CONFLICT (project_id, developer_id) DO NOTHING
		`, projectID, developerID); err != nil {
			return err
		}
		var err error
		n, err = q.exec(ctx, `
			UPDATE tasks SET assignee = $2
			WHERE project_id = $1 AND locked_by IS NULL AND status <> 'done'
		`, projectID, developerID)
		return err
	})
	return n, err
}

// activeProject takes the project row for the rest of the transaction and
// fails unless the project is active. Completion takes the same row, so the
// two serialize.
func activeProject(ctx context.Context, q querier, projectID int64) error {
	n, err := q.exec(ctx, `UPDATE projects SET status = status WHERE id = $1 AND status = 'active'`, projectID)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM projects WHERE id = $1`, projectID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return workflow.ErrNotFound
	}
	return workflow.ErrProjectInactive
}
