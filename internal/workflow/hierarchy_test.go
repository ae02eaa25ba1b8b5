package workflow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyri56xcaesar/pms-portal/internal/testutil"
	"kyri56xcaesar/pms-portal/internal/workflow"
)

func TestProgress(t *testing.T) {
	tests := []struct {
		done, total, want int
	}{
		{0, 0, 0},
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, workflow.Progress(tt.done, tt.total), "%d/%d", tt.done, tt.total)
	}
}

func TestBuildTree(t *testing.T) {
	one, two := int64(1), int64(2)
	tasks := []workflow.Task{
		{ID: 1, Title: "m1"},
		{ID: 2, Title: "m2"},
		{ID: 3, ParentID: &one, Title: "s1"},
		{ID: 4, ParentID: &two, Title: "s2"},
		{ID: 5, ParentID: &one, Title: "s3"},
		{ID: 6, ParentID: &[]int64{99}[0], Title: "orphan"},
	}

	tree := workflow.BuildTree(tasks)
	require.Len(t, tree, 2)
	assert.Equal(t, "m1", tree[0].Title)
	require.Len(t, tree[0].Subtasks, 2)
	assert.Equal(t, "s1", tree[0].Subtasks[0].Title)
	assert.Equal(t, "s3", tree[0].Subtasks[1].Title)
	require.Len(t, tree[1].Subtasks, 1)

	assert.Empty(t, workflow.BuildTree(nil))
}

func TestTaskTreeAndRollUp(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	dev := testutil.NewUser(t, env.Store, workflow.RoleDeveloper, "Dana Dev")
	project := env.ActiveProject(t, env.PM)

	m, err := env.Svc.Hierarchy.CreateMilestone(ctx, env.PM, project.ID, workflow.NewTask{Title: "Backend"})
	require.NoError(t, err)
	assert.Equal(t, workflow.PriorityMedium, m.Priority)
	assert.True(t, m.IsMilestone())

	subs := make([]*workflow.Task, 3)
	for i, title := range []string{"schema", "api", "tests"} {
		subs[i], err = env.Svc.Hierarchy.CreateSubtask(ctx, env.PM, m.ID, workflow.NewTask{Title: title, Priority: workflow.PriorityHigh})
		require.NoError(t, err)
		assert.Equal(t, m.ID, *subs[i].ParentID)
	}

	_, err = env.Svc.Hierarchy.CreateSubtask(ctx, env.PM, subs[0].ID, workflow.NewTask{Title: "nested"})
	assert.ErrorIs(t, err, workflow.ErrInvalidParent)

	_, err = env.Svc.Hierarchy.CreateSubtask(ctx, env.PM, 987654, workflow.NewTask{Title: "lost"})
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	_, err = env.Svc.Hierarchy.CreateMilestone(ctx, env.PM, project.ID, workflow.NewTask{Title: "bad", Priority: "Urgent"})
	assert.ErrorIs(t, err, workflow.ErrValidation)

	_, err = env.Svc.Hierarchy.CreateMilestone(ctx, dev, project.ID, workflow.NewTask{Title: "not mine"})
	assert.ErrorIs(t, err, workflow.ErrForbidden)

	_, err = env.Svc.Locks.Lock(ctx, dev, subs[0].ID)
	require.NoError(t, err)
	_, err = env.Svc.Locks.SetStatus(ctx, dev, subs[0].ID, workflow.TaskInProgress)
	require.NoError(t, err)

	tree, err := env.Svc.Hierarchy.Tree(ctx, env.PM, project.ID)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, workflow.TaskInProgress, tree[0].Status)
	require.Len(t, tree[0].Subtasks, 3)

	_, err = env.Svc.Locks.SetStatus(ctx, dev, subs[0].ID, workflow.TaskDone)
	require.NoError(t, err)

	got, err := env.Svc.Hierarchy.Project(ctx, env.Client, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 33, got.Progress)

	for _, s := range subs[1:] {
		_, err = env.Svc.Locks.Lock(ctx, dev, s.ID)
		require.NoError(t, err)
		_, err = env.Svc.Locks.SetStatus(ctx, dev, s.ID, workflow.TaskDone)
		require.NoError(t, err)
	}

	tree, err = env.Svc.Hierarchy.Tree(ctx, env.PM, project.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskDone, tree[0].Status)

	got, err = env.Svc.Hierarchy.Project(ctx, env.PM, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)

	// a new subtask reopens the milestone
	_, err = env.Svc.Hierarchy.CreateSubtask(ctx, env.PM, m.ID, workflow.NewTask{Title: "docs"})
	require.NoError(t, err)
	tree, err = env.Svc.Hierarchy.Tree(ctx, env.PM, project.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskInProgress, tree[0].Status)
}

func TestProjectVisibility(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	project := env.ActiveProject(t, env.PM)
	dev := testutil.NewUser(t, env.Store, workflow.RoleDeveloper, "Dana Dev")
	otherPM := testutil.NewUser(t, env.Store, workflow.RolePM, "Other PM")
	otherClient := testutil.NewUser(t, env.Store, workflow.RoleClient, "Other Client")

	_, err := env.Svc.Hierarchy.Project(ctx, dev, project.ID)
	assert.ErrorIs(t, err, workflow.ErrForbidden)
	_, err = env.Svc.Hierarchy.Project(ctx, otherPM, project.ID)
	assert.ErrorIs(t, err, workflow.ErrForbidden)
	_, err = env.Svc.Hierarchy.Project(ctx, otherClient, project.ID)
	assert.ErrorIs(t, err, workflow.ErrForbidden)
	_, err = env.Svc.Hierarchy.Project(ctx, env.Admin, 31337)
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	list, err := env.Svc.Hierarchy.Projects(ctx, dev, workflow.ProjectFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	n, err := env.Svc.Hierarchy.AssignDeveloper(ctx, env.PM, project.ID, dev.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err = env.Svc.Hierarchy.Projects(ctx, dev, workflow.ProjectFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, project.ID, list[0].ID)

	list, err = env.Svc.Hierarchy.Projects(ctx, otherPM, workflow.ProjectFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeveloperProjectsArePagedAfterTeamFilter(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	dev := testutil.NewUser(t, env.Store, workflow.RoleDeveloper, "Dana Dev")

	mine := env.ActiveProject(t, env.PM)
	m, err := env.Svc.Hierarchy.CreateMilestone(ctx, env.PM, mine.ID, workflow.NewTask{Title: "M"})
	require.NoError(t, err)
	_, err = env.Svc.Locks.Lock(ctx, dev, m.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		env.ActiveProject(t, env.PM)
	}

	list, err := env.Svc.Hierarchy.Projects(ctx, dev, workflow.ProjectFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	list, err = env.Svc.Hierarchy.Projects(ctx, env.Admin, workflow.ProjectFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 4)
	list, err = env.Svc.Hierarchy.Projects(ctx, env.Admin, workflow.ProjectFilter{DeveloperID: dev.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)
}

func TestAssignDeveloper(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	project := env.ActiveProject(t, env.PM)
	dana := testutil.NewUser(t, env.Store, workflow.RoleDeveloper, "Dana Dev")
	olli := testutil.NewUser(t, env.Store, workflow.RoleDeveloper, "Olli Dev")

	m, err := env.Svc.Hierarchy.CreateMilestone(ctx, env.PM, project.ID, workflow.NewTask{Title: "M"})
	require.NoError(t, err)
	held, err := env.Svc.Hierarchy.CreateSubtask(ctx, env.PM, m.ID, workflow.NewTask{Title: "held"})
	require.NoError(t, err)
	_, err = env.Svc.Hierarchy.CreateSubtask(ctx, env.PM, m.ID, workflow.NewTask{Title: "free"})
	require.NoError(t, err)

	_, err = env.Svc.Locks.Lock(ctx, olli, held.ID)
	require.NoError(t, err)

	// the held subtask keeps its holder
	n, err := env.Svc.Hierarchy.AssignDeveloper(ctx, env.PM, project.ID, dana.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = env.Svc.Hierarchy.AssignDeveloper(ctx, env.PM, project.ID, env.Client.ID)
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	_, err = env.Svc.Hierarchy.AssignDeveloper(ctx, env.Sales, project.ID, dana.ID)
	assert.ErrorIs(t, err, workflow.ErrForbidden)

	team, err := env.Svc.Meetings.Team(ctx, env.PM, project.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{dana.ID, olli.ID}, team)
}

func TestInactiveProjectRejectsTasks(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	project := env.ActiveProject(t, env.PM)
	m, err := env.Svc.Hierarchy.CreateMilestone(ctx, env.PM, project.ID, workflow.NewTask{Title: "M"})
	require.NoError(t, err)

	_, err = env.Svc.Proposals.Cancel(ctx, env.Admin, project.ID)
	require.NoError(t, err)

	_, err = env.Svc.Hierarchy.CreateMilestone(ctx, env.PM, project.ID, workflow.NewTask{Title: "late"})
	assert.ErrorIs(t, err, workflow.ErrProjectInactive)

	_, err = env.Svc.Hierarchy.CreateSubtask(ctx, env.PM, m.ID, workflow.NewTask{Title: "late"})
	assert.ErrorIs(t, err, workflow.ErrInvalidParent)

	dev := testutil.NewUser(t, env.Store, workflow.RoleDeveloper, "Dana Dev")
	_, err = env.Svc.Hierarchy.AssignDeveloper(ctx, env.PM, project.ID, dev.ID)
	assert.ErrorIs(t, err, workflow.ErrProjectInactive)

	_, err = env.Svc.Locks.Lock(ctx, dev, m.ID)
	assert.ErrorIs(t, err, workflow.ErrProjectInactive)
}
