package store

import (
	"context"
	"database/sql"
	"time"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

const taskColumns = `id, parent_id, project_id, title, description, due_date, priority, status,
	locked_by, assignee, created_at, updated_at`

func scanTask(row rowScanner) (*workflow.Task, error) {
	var (
		t                     workflow.Task
		parent, lock, assign  sql.NullInt64
		due, created, updated nullTime
		priority, status      string
	)
	err := row.Scan(&t.ID, &parent, &t.ProjectID, &t.Title, &t.Description, &due, &priority, &status,
		&lock, &assign, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.ParentID = nullInt(parent)
	t.DueDate = due.ptr()
	t.Priority = workflow.Priority(priority)
	t.Status = workflow.TaskStatus(status)
	t.LockedBy = nullInt(lock)
	t.Assignee = nullInt(assign)
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *workflow.Task) error {
	return s.db.inTx(ctx, func(q querier) error {
		if err := activeProject(ctx, q, t.ProjectID); err != nil {
			return err
		}
		now := time.Now().UTC()
		err := q.queryRow(ctx, `
			INSERT INTO tasks (parent_id, project_id, title, description, due_date, priority, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			RETURNING id
		`, t.ParentID, t.ProjectID, t.Title, t.Description, utcPtr(t.DueDate),
			string(t.Priority), string(t.Status), now).Scan(&t.ID)
		if err != nil {
			return err
		}
		t.CreatedAt, t.UpdatedAt = now, now
		if t.ParentID != nil {
			return rollUp(ctx, q, *t.ParentID, now)
		}
		return nil
	})
}

// rollUp derives a milestone's status from its subtasks: done when all are
// done, todo when none has started, in_progress otherwise. A milestone with
// subtasks is never held.
func rollUp(ctx context.Context, q querier, milestoneID int64, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE tasks SET
			status = CASE
				WHEN NOT EXISTS (SELECT 1 FROM tasks c WHERE c.parent_id = $1 AND c.status <> 'done') THEN 'done'
				WHEN NOT EXISTS (SELECT 1 FROM tasks c WHERE c.parent_id = $1 AND c.status <> 'todo') THEN 'todo'
				ELSE 'in_progress'
			END,
			locked_by = NULL,
			updated_at = $2
		WHERE id = $1 AND EXISTS (SELECT 1 FROM tasks c WHERE c.parent_id = $1)
	`, milestoneID, now)
	return err
}

func (s *Store) GetTask(ctx context.Context, id int64) (*workflow.Task, error) {
	t, err := scanTask(s.db.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID int64) ([]workflow.Task, error) {
	rows, err := s.db.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]workflow.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// LockTask sets locked_by when the task is free or already held by the
// developer, is not done, has no subtasks and belongs to an active project.
func (s *Store) LockTask(ctx context.Context, taskID, developerID int64) (bool, error) {
	n, err := s.db.exec(ctx, `
		UPDATE tasks SET locked_by = $2, updated_at = $3
		WHERE id = $1
		  AND status <> 'done'
		  AND (locked_by IS NULL OR locked_by = $2)
		  AND NOT EXISTS (SELECT 1 FROM tasks c WHERE c.parent_id = tasks.id)
		  AND EXISTS (SELECT 1 FROM projects p WHERE p.id = tasks.project_id AND p.status = 'active')
	`, taskID, developerID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) SetTaskStatus(ctx context.Context, taskID, developerID int64, status workflow.TaskStatus) (bool, error) {
	var applied bool
	err := s.db.inTx(ctx, func(q querier) error {
		now := time.Now().UTC()
		var parent sql.NullInt64
		err := q.queryRow(ctx, `
			UPDATE tasks SET
				status = $3,
				locked_by = CASE WHEN $3 = 'done' THEN NULL ELSE locked_by END,
				updated_at = $4
			WHERE id = $1
			  AND locked_by = $2
			  AND NOT EXISTS (SELECT 1 FROM tasks c WHERE c.parent_id = tasks.id)
			  AND EXISTS (SELECT 1 FROM projects p WHERE p.id = tasks.project_id AND p.status = 'active')
			RETURNING parent_id
		`, taskID, developerID, string(status), now).Scan(&parent)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		applied = true
		if parent.Valid {
			return rollUp(ctx, q, parent.Int64, now)
		}
		return nil
	})
	return applied, err
}

// UnlockTask clears the lock whoever holds it.
func (s *Store) UnlockTask(ctx context.Context, taskID int64) (bool, error) {
	n, err := s.db.exec(ctx, `
		UPDATE tasks SET locked_by = NULL, updated_at = $2
		WHERE id = $1 AND locked_by IS NOT NULL
	`, taskID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) HasSubtasks(ctx context.Context, taskID int64) (bool, error) {
	var n int
	err := s.db.queryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE parent_id = $1`, taskID).Scan(&n)
	return n > 0, err
}
