package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyri56xcaesar/pms-portal/internal/store"
	"kyri56xcaesar/pms-portal/internal/testutil"
	"kyri56xcaesar/pms-portal/internal/workflow"
)

type lockFixture struct {
	env     *testutil.Env
	project *workflow.Project
	task    *workflow.Task
	dana    workflow.Actor
	olli    workflow.Actor
}

func newLockFixture(t *testing.T) *lockFixture {
	t.Helper()
	return newLockFixtureOn(t, testutil.NewEnv(t))
}

func newLockFixtureOn(t *testing.T, env *testutil.Env) *lockFixture {
	t.Helper()
	project := env.ActiveProject(t, env.PM)
	m, err := env.Svc.Hierarchy.CreateMilestone(context.Background(), env.PM, project.ID, workflow.NewTask{Title: "Release"})
	require.NoError(t, err)
	task, err := env.Svc.Hierarchy.CreateSubtask(context.Background(), env.PM, m.ID, workflow.NewTask{Title: "Changelog"})
	require.NoError(t, err)
	return &lockFixture{
		env:     env,
		project: project,
		task:    task,
		dana:    testutil.NewUser(t, env.Store, workflow.RoleDeveloper, "Dana Dev"),
		olli:    testutil.NewUser(t, env.Store, workflow.RoleDeveloper, "Olli Dev"),
	}
}

func TestLockRaceHasOneWinner(t *testing.T) {
	testutil.EachBackend(t, func(t *testing.T, s *store.Store) {
		testLockRaceHasOneWinner(t, newLockFixtureOn(t, testutil.NewEnvWith(t, s)))
	})
}

func testLockRaceHasOneWinner(t *testing.T, f *lockFixture) {
	ctx := context.Background()

	devs := []workflow.Actor{f.dana, f.olli}
	for i := 0; i < 4; i++ {
		devs = append(devs, testutil.NewUser(t, f.env.Store, workflow.RoleDeveloper, "Racer "+string(rune('A'+i))))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int64
		holders []string
	)
	for _, d := range devs {
		wg.Add(1)
		go func(d workflow.Actor) {
			defer wg.Done()
			_, err := f.env.Svc.Locks.Lock(ctx, d, f.task.ID)
			mu.Lock()
			defer mu.Unlock()
			var we *workflow.Error
			switch {
			case err == nil:
				winners = append(winners, d.ID)
			case errors.As(err, &we) && errors.Is(err, workflow.ErrAlreadyLocked):
				holders = append(holders, we.Holder)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(d)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	require.Len(t, holders, len(devs)-1)

	task, err := f.env.Store.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	require.NotNil(t, task.LockedBy)
	assert.Equal(t, winners[0], *task.LockedBy)

	winner, err := f.env.Store.GetUser(ctx, winners[0])
	require.NoError(t, err)
	for _, h := range holders {
		assert.Equal(t, winner.Name, h)
	}
}

func TestLockIsReentrant(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	res, err := f.env.Svc.Locks.Lock(ctx, f.dana, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, `Task "Changelog" locked by Dana Dev`, res.Message)

	_, err = f.env.Svc.Locks.Lock(ctx, f.dana, f.task.ID)
	assert.NoError(t, err)

	_, err = f.env.Svc.Locks.Lock(ctx, f.olli, f.task.ID)
	var we *workflow.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "Dana Dev", we.Holder)
	assert.Contains(t, err.Error(), "Dana Dev")
}

func TestLockRules(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	_, err := f.env.Svc.Locks.Lock(ctx, f.env.PM, f.task.ID)
	assert.ErrorIs(t, err, workflow.ErrForbidden)

	_, err = f.env.Svc.Locks.Lock(ctx, f.dana, 99999)
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	// status changes need the lock
	_, err = f.env.Svc.Locks.SetStatus(ctx, f.dana, f.task.ID, workflow.TaskInProgress)
	assert.ErrorIs(t, err, workflow.ErrNotLockHolder)

	_, err = f.env.Svc.Locks.Lock(ctx, f.dana, f.task.ID)
	require.NoError(t, err)

	_, err = f.env.Svc.Locks.SetStatus(ctx, f.olli, f.task.ID, workflow.TaskInProgress)
	assert.ErrorIs(t, err, workflow.ErrNotLockHolder)

	_, err = f.env.Svc.Locks.SetStatus(ctx, f.dana, f.task.ID, "blocked")
	assert.ErrorIs(t, err, workflow.ErrValidation)

	task, err := f.env.Svc.Locks.SetStatus(ctx, f.dana, f.task.ID, workflow.TaskInProgress)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskInProgress, task.Status)
	require.NotNil(t, task.LockedBy)

	// done releases the lock and closes the task
	task, err = f.env.Svc.Locks.SetStatus(ctx, f.dana, f.task.ID, workflow.TaskDone)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskDone, task.Status)
	assert.Nil(t, task.LockedBy)

	_, err = f.env.Svc.Locks.Lock(ctx, f.olli, f.task.ID)
	assert.ErrorIs(t, err, workflow.ErrTaskDone)
}

func TestMilestoneStatusIsDerived(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()
	milestone := *f.task.ParentID

	_, err := f.env.Svc.Locks.Lock(ctx, f.dana, milestone)
	assert.ErrorIs(t, err, workflow.ErrDerivedStatus)

	_, err = f.env.Svc.Locks.SetStatus(ctx, f.dana, milestone, workflow.TaskDone)
	assert.ErrorIs(t, err, workflow.ErrNotLockHolder)

	m, err := f.env.Store.GetTask(ctx, milestone)
	require.NoError(t, err)
	assert.Nil(t, m.LockedBy)

	// the subtask stays free for anyone
	_, err = f.env.Svc.Locks.Lock(ctx, f.olli, f.task.ID)
	assert.NoError(t, err)
}

func TestLeafMilestoneIsLockedLikeATask(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	leaf, err := f.env.Svc.Hierarchy.CreateMilestone(ctx, f.env.PM, f.project.ID, workflow.NewTask{Title: "Launch"})
	require.NoError(t, err)
	_, err = f.env.Svc.Locks.Lock(ctx, f.dana, leaf.ID)
	require.NoError(t, err)

	// a first subtask turns it into a derived milestone and releases it
	_, err = f.env.Svc.Hierarchy.CreateSubtask(ctx, f.env.PM, leaf.ID, workflow.NewTask{Title: "Press kit"})
	require.NoError(t, err)
	m, err := f.env.Store.GetTask(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Nil(t, m.LockedBy)
	assert.Equal(t, workflow.TaskTodo, m.Status)

	_, err = f.env.Svc.Locks.Lock(ctx, f.olli, leaf.ID)
	assert.ErrorIs(t, err, workflow.ErrDerivedStatus)
}

func TestForceUnlock(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	_, err := f.env.Svc.Locks.Lock(ctx, f.dana, f.task.ID)
	require.NoError(t, err)

	_, err = f.env.Svc.Locks.ForceUnlock(ctx, f.env.PM, f.task.ID)
	assert.ErrorIs(t, err, workflow.ErrForbidden)

	task, err := f.env.Svc.Locks.ForceUnlock(ctx, f.env.Admin, f.task.ID)
	require.NoError(t, err)
	assert.Nil(t, task.LockedBy)

	// unlocking a free task is a no-op
	_, err = f.env.Svc.Locks.ForceUnlock(ctx, f.env.Admin, f.task.ID)
	require.NoError(t, err)

	_, err = f.env.Svc.Locks.Lock(ctx, f.olli, f.task.ID)
	assert.NoError(t, err)

	_, err = f.env.Svc.Locks.ForceUnlock(ctx, f.env.Admin, 123456)
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}
