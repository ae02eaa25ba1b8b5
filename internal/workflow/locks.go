package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"kyri56xcaesar/pms-portal/internal/metrics"
)

// Locks implements the task locking protocol: one cooperative, non-expiring
// lock per task, acquired with a compare-and-set on locked_by.
type Locks struct {
	deps Deps
}

type LockResult struct {
	Task    *Task  `json:"task"`
	Message string `json:"message"`
}

type TaskEvent struct {
	TaskID    int64      `json:"taskId"`
	ProjectID int64      `json:"projectId"`
	ActorID   int64      `json:"actorId"`
	Status    TaskStatus `json:"status"`
	LockedBy  *int64     `json:"lockedBy,omitempty"`
	At        time.Time  `json:"at"`
}

func (l *Locks) task(ctx context.Context, id int64) (*Task, error) {
	t, err := l.deps.Store.GetTask(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, infra("get task", err)
	}
	return t, nil
}

func (l *Locks) holderName(ctx context.Context, id int64) string {
	u, err := l.deps.Store.GetUser(ctx, id)
	if err != nil || u.Name == "" {
		return fmt.Sprintf("developer %d", id)
	}
	return u.Name
}

func (l *Locks) event(ctx context.Context, subject string, actor Actor, t *Task) {
	l.deps.publish(ctx, subject, TaskEvent{
		TaskID: t.ID, ProjectID: t.ProjectID, ActorID: actor.ID, Status: t.Status, LockedBy: t.LockedBy, At: time.Now().UTC(),
	})
}

// Lock acquires the task for the developer. Locking a task one already holds
// succeeds again.
func (l *Locks) Lock(ctx context.Context, actor Actor, taskID int64) (*LockResult, error) {
	if !actor.Is(RoleDeveloper) {
		return nil, forbidden("lock tasks", actor.Role)
	}
	entry := l.deps.Log.WithFields(logrus.Fields{"op": "lock", "task": taskID, "developer": actor.ID})

	// A lost race against a holder that released in between is retried.
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := l.deps.Store.LockTask(ctx, taskID, actor.ID)
		if err != nil {
			return nil, infra("lock task", err)
		}
		t, err := l.task(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.LockAttempts.WithLabelValues("acquired").Inc()
			entry.Info("task locked")
			l.event(ctx, "pms.task.locked", actor, t)
			return &LockResult{Task: t, Message: fmt.Sprintf("Task %q locked by %s", t.Title, actor.Name)}, nil
		}

		switch {
		case t.Status == TaskDone:
			metrics.LockAttempts.WithLabelValues("done").Inc()
			return nil, ErrTaskDone
		case t.LockedBy != nil && *t.LockedBy != actor.ID:
			metrics.LockAttempts.WithLabelValues("conflict").Inc()
			holder := l.holderName(ctx, *t.LockedBy)
			entry.WithField("holder", *t.LockedBy).Info("task already locked")
			return nil, alreadyLocked(holder)
		}
		parent, err := l.deps.Store.HasSubtasks(ctx, taskID)
		if err != nil {
			return nil, infra("has subtasks", err)
		}
		if parent {
			metrics.LockAttempts.WithLabelValues("derived").Inc()
			return nil, ErrDerivedStatus
		}
		project, err := l.deps.Store.GetProject(ctx, t.ProjectID)
		if err != nil {
			return nil, infra("get project", err)
		}
		if project.Status != ProjectActive {
			return nil, ErrProjectInactive
		}
	}
	return nil, infra("lock task", errors.New("lock contention did not settle"))
}

// SetStatus changes the status of a task held by the actor. Done releases the
// lock. Milestones with subtasks are rolled up and cannot be set directly.
func (l *Locks) SetStatus(ctx context.Context, actor Actor, taskID int64, status TaskStatus) (*Task, error) {
	if !ValidTaskStatus(string(status)) {
		return nil, invalid("status must be one of todo, in_progress, done")
	}
	ok, err := l.deps.Store.SetTaskStatus(ctx, taskID, actor.ID, status)
	if err != nil {
		return nil, infra("set task status", err)
	}
	t, err := l.task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if t.LockedBy == nil || *t.LockedBy != actor.ID {
			return nil, ErrNotLockHolder
		}
		parent, err := l.deps.Store.HasSubtasks(ctx, taskID)
		if err != nil {
			return nil, infra("has subtasks", err)
		}
		if parent {
			return nil, ErrDerivedStatus
		}
		project, err := l.deps.Store.GetProject(ctx, t.ProjectID)
		if err != nil {
			return nil, infra("get project", err)
		}
		if project.Status != ProjectActive {
			return nil, ErrProjectInactive
		}
		return nil, ErrNotLockHolder
	}

	metrics.TaskStatusChanges.WithLabelValues(string(status)).Inc()
	l.deps.Log.WithFields(logrus.Fields{"op": "set_status", "task": taskID, "developer": actor.ID, "status": status}).Info("task status changed")
	l.event(ctx, "pms.task.status", actor, t)
	return t, nil
}

// ForceUnlock releases a task regardless of its holder. Admins only; this is
// the way out for locks abandoned by their developer.
func (l *Locks) ForceUnlock(ctx context.Context, actor Actor, taskID int64) (*Task, error) {
	if !actor.Is(RoleAdmin) {
		return nil, forbidden("force-unlock tasks", actor.Role)
	}
	ok, err := l.deps.Store.UnlockTask(ctx, taskID)
	if err != nil {
		return nil, infra("unlock task", err)
	}
	t, err := l.task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if ok {
		l.deps.Log.WithFields(logrus.Fields{"op": "force_unlock", "task": taskID, "admin": actor.ID}).Warn("task force-unlocked")
		l.event(ctx, "pms.task.unlocked", actor, t)
	}
	return t, nil
}
