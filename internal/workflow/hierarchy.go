package workflow

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Hierarchy owns projects and their two-level task trees.
type Hierarchy struct {
	deps Deps
}

// Progress is done / total * 100 over the leaves of the tree: subtasks, and
// milestones that have none. Zero for an empty tree.
func Progress(done, total int) int {
	if total == 0 {
		return 0
	}
	return done * 100 / total
}

func (h *Hierarchy) project(ctx context.Context, id int64) (*Project, error) {
	project, err := h.deps.Store.GetProject(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("project", id)
	}
	if err != nil {
		return nil, infra("get project", err)
	}
	return project, nil
}

func (h *Hierarchy) withProgress(ctx context.Context, project *Project) error {
	done, total, err := h.deps.Store.ProgressCounts(ctx, project.ID)
	if err != nil {
		return infra("progress", err)
	}
	project.Progress = Progress(done, total)
	return nil
}

// canView reports whether the actor may read the project. Developers see the
// projects they are part of.
func (h *Hierarchy) canView(ctx context.Context, actor Actor, project *Project) (bool, error) {
	switch actor.Role {
	case RoleAdmin, RoleSales:
		return true, nil
	case RolePM:
		return project.PMID == actor.ID, nil
	case RoleClient:
		return project.ClientID == actor.ID, nil
	case RoleDeveloper:
		team, err := h.deps.Store.ProjectTeam(ctx, project.ID)
		if err != nil {
			return false, infra("project team", err)
		}
		for _, id := range team {
			if id == actor.ID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (h *Hierarchy) canManage(actor Actor, project *Project) bool {
	return actor.Role == RoleAdmin || (actor.Role == RolePM && project.PMID == actor.ID)
}

// Project returns a project with its progress computed on read.
func (h *Hierarchy) Project(ctx context.Context, actor Actor, id int64) (*Project, error) {
	project, err := h.project(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := h.canView(ctx, actor, project)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, forbidden("view this project", actor.Role)
	}
	if err := h.withProgress(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

func (h *Hierarchy) Projects(ctx context.Context, actor Actor, f ProjectFilter) ([]Project, error) {
	switch actor.Role {
	case RoleAdmin, RoleSales:
	case RolePM:
		f.PMID = actor.ID
	case RoleClient:
		f.ClientID = actor.ID
	case RoleDeveloper:
		f.DeveloperID = actor.ID
	default:
		return nil, forbidden("list projects", actor.Role)
	}
	items, err := h.deps.Store.ListProjects(ctx, f)
	if err != nil {
		return nil, infra("list projects", err)
	}
	for i := range items {
		if err := h.withProgress(ctx, &items[i]); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// Tree returns the milestones of a project with their subtasks.
func (h *Hierarchy) Tree(ctx context.Context, actor Actor, projectID int64) ([]Milestone, error) {
	if _, err := h.Project(ctx, actor, projectID); err != nil {
		return nil, err
	}
	tasks, err := h.deps.Store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, infra("list tasks", err)
	}
	return BuildTree(tasks), nil
}

// BuildTree groups tasks under their milestones, keeping input order.
func BuildTree(tasks []Task) []Milestone {
	idx := make(map[int64]int)
	out := make([]Milestone, 0)
	for _, t := range tasks {
		if t.ParentID == nil {
			idx[t.ID] = len(out)
			out = append(out, Milestone{Task: t, Subtasks: []Task{}})
		}
	}
	for _, t := range tasks {
		if t.ParentID == nil {
			continue
		}
		if i, ok := idx[*t.ParentID]; ok {
			out[i].Subtasks = append(out[i].Subtasks, t)
		}
	}
	return out
}

func normalizeNewTask(in NewTask) (NewTask, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return in, invalid("title is required")
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !ValidPriority(string(in.Priority)) {
		return in, invalid("priority must be one of Low, Medium, High")
	}
	return in, nil
}

func (h *Hierarchy) CreateMilestone(ctx context.Context, actor Actor, projectID int64, in NewTask) (*Task, error) {
	in, err := normalizeNewTask(in)
	if err != nil {
		return nil, err
	}
	project, err := h.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !h.canManage(actor, project) {
		return nil, forbidden("create milestones", actor.Role)
	}
	if project.Status != ProjectActive {
		return nil, ErrProjectInactive
	}

	t := &Task{
		ProjectID:   projectID,
		Title:       in.Title,
		Description: in.Description,
		DueDate:     in.DueDate,
		Priority:    in.Priority,
		Status:      TaskTodo,
	}
	if err := h.deps.Store.CreateTask(ctx, t); err != nil {
		if errors.Is(err, ErrProjectInactive) {
			return nil, ErrProjectInactive
		}
		return nil, infra("create milestone", err)
	}
	h.deps.Log.WithFields(logrus.Fields{"op": "create_milestone", "project": projectID, "task": t.ID}).Info("milestone created")
	return t, nil
}

// CreateSubtask adds a task under a milestone. Trees are two levels deep, so
// the parent must itself be a milestone of an active project.
func (h *Hierarchy) CreateSubtask(ctx context.Context, actor Actor, parentID int64, in NewTask) (*Task, error) {
	in, err := normalizeNewTask(in)
	if err != nil {
		return nil, err
	}
	parent, err := h.deps.Store.GetTask(ctx, parentID)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("task", parentID)
	}
	if err != nil {
		return nil, infra("get task", err)
	}
	project, err := h.project(ctx, parent.ProjectID)
	if err != nil {
		return nil, err
	}
	if !h.canManage(actor, project) {
		return nil, forbidden("create subtasks", actor.Role)
	}
	if !parent.IsMilestone() {
		return nil, &Error{Kind: KindBusinessRule, Code: ErrInvalidParent.Code, Msg: "subtasks cannot be nested under subtasks"}
	}
	if project.Status != ProjectActive {
		return nil, &Error{Kind: KindBusinessRule, Code: ErrInvalidParent.Code, Msg: "parent does not belong to an active project"}
	}

	t := &Task{
		ParentID:    &parent.ID,
		ProjectID:   parent.ProjectID,
		Title:       in.Title,
		Description: in.Description,
		DueDate:     in.DueDate,
		Priority:    in.Priority,
		Status:      TaskTodo,
	}
	if err := h.deps.Store.CreateTask(ctx, t); err != nil {
		if errors.Is(err, ErrProjectInactive) {
			return nil, &Error{Kind: KindBusinessRule, Code: ErrInvalidParent.Code, Msg: "parent does not belong to an active project"}
		}
		return nil, infra("create subtask", err)
	}
	h.deps.Log.WithFields(logrus.Fields{"op": "create_subtask", "project": t.ProjectID, "parent": parentID, "task": t.ID}).Info("subtask created")
	return t, nil
}

// AssignDeveloper marks the developer as the candidate for every task of the
// project nobody holds. It is a hint; the developer still has to lock.
func (h *Hierarchy) AssignDeveloper(ctx context.Context, actor Actor, projectID, developerID int64) (int64, error) {
	project, err := h.project(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if !h.canManage(actor, project) {
		return 0, forbidden("assign developers", actor.Role)
	}
	dev, err := h.deps.Store.GetUser(ctx, developerID)
	if errors.Is(err, ErrNotFound) || (err == nil && dev.Role != RoleDeveloper) {
		return 0, notFound("developer", developerID)
	}
	if err != nil {
		return 0, infra("get developer", err)
	}
	n, err := h.deps.Store.AssignDeveloper(ctx, projectID, developerID)
	if errors.Is(err, ErrProjectInactive) {
		return 0, ErrProjectInactive
	}
	if err != nil {
		return 0, infra("assign developer", err)
	}
	h.deps.Log.WithFields(logrus.Fields{"op": "assign_developer", "project": projectID, "developer": developerID, "tasks": n}).Info("developer assigned")
	return n, nil
}
