package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forgeloop/crucible/internal/controller"
	"github.com/forgeloop/crucible/internal/task"
)

type fakeTaskRunner struct {
	ran    []string
	failID string
}

func (f *fakeTaskRunner) Run(_ context.Context, t *task.Task) (*controller.Report, error) {
	f.ran = append(f.ran, t.ID)
	if t.ID == f.failID {
		return nil, errors.New("bus unavailable")
	}
	t.Status = task.StatusCompleted
	return &controller.Report{Task: t}, nil
}

type fakeLister struct {
	tasks []*task.Task
	err   error
}

func (f *fakeLister) ListUnfinishedTasks(context.Context) ([]*task.Task, error) {
	return f.tasks, f.err
}

func unfinishedTask(id string, iteration int) *task.Task {
	t := task.New("fix the poller crash", []string{"internal/poller"})
	t.ID = id
	t.Status = task.StatusInProgress
	t.Iteration = iteration
	return t
}

func TestResumeUnfinishedTasksRunsEach(t *testing.T) {
	runner := &fakeTaskRunner{}
	lister := &fakeLister{tasks: []*task.Task{
		unfinishedTask("t1", 3),
		unfinishedTask("t2", 1),
	}}

	resumeUnfinishedTasks(context.Background(), runner, lister, zaptest.NewLogger(t))

	assert.Equal(t, []string{"t1", "t2"}, runner.ran)
	for _, tk := range lister.tasks {
		assert.Equal(t, task.StatusCompleted, tk.Status)
	}
	// Continued from the recorded iteration, not restarted.
	assert.Equal(t, 3, lister.tasks[0].Iteration)
}

func TestResumeUnfinishedTasksContinuesPastFailure(t *testing.T) {
	runner := &fakeTaskRunner{failID: "t1"}
	lister := &fakeLister{tasks: []*task.Task{
		unfinishedTask("t1", 2),
		unfinishedTask("t2", 1),
	}}

	resumeUnfinishedTasks(context.Background(), runner, lister, zaptest.NewLogger(t))

	assert.Equal(t, []string{"t1", "t2"}, runner.ran)
	assert.Equal(t, task.StatusCompleted, lister.tasks[1].Status)
}

func TestResumeUnfinishedTasksStopsOnListError(t *testing.T) {
	runner := &fakeTaskRunner{}
	lister := &fakeLister{err: errors.New("db locked")}

	resumeUnfinishedTasks(context.Background(), runner, lister, zaptest.NewLogger(t))

	assert.Empty(t, runner.ran)
}

func TestResumeUnfinishedTasksHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &fakeTaskRunner{}
	lister := &fakeLister{tasks: []*task.Task{unfinishedTask("t1", 1)}}

	resumeUnfinishedTasks(ctx, runner, lister, zaptest.NewLogger(t))

	require.Empty(t, runner.ran)
}
