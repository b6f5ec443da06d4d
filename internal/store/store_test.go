package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forgeloop/crucible/internal/council"
	"github.com/forgeloop/crucible/internal/sprint"
	"github.com/forgeloop/crucible/internal/task"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "crucible.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadTask(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	tk := task.New("fix poller", []string{"internal/poller"})
	tk.RecordAttempt(task.Attempt{
		TierUsed:            task.TierFast,
		ChangedArtifacts:    []string{"internal/poller/poll.go"},
		QualityVerdict:      task.VerdictFail,
		RequirementsVerdict: task.VerdictFail,
		Findings:            []task.Finding{{Check: "lint", Message: "nil deref"}},
	})
	tk.Iteration = 1

	require.NoError(t, s.SaveTask(ctx, tk))

	got, err := s.LoadTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, tk.Description, got.Description)
	require.Len(t, got.History, 1)
	assert.Equal(t, task.VerdictFail, got.History[0].QualityVerdict)
}

func TestSaveTaskUpserts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	tk := task.New("fix poller", []string{"internal/poller"})
	require.NoError(t, s.SaveTask(ctx, tk))

	tk.Status = task.StatusCompleted
	tk.Iteration = 3
	require.NoError(t, s.SaveTask(ctx, tk))

	got, err := s.LoadTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Iteration)
}

func TestLoadTaskNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.LoadTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUnfinishedTasks(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	running := task.New("in flight", []string{"internal/a"})
	running.Status = task.StatusInProgress
	done := task.New("done", []string{"internal/b"})
	done.Status = task.StatusCompleted
	blocked := task.New("blocked", []string{"internal/c"})
	blocked.Status = task.StatusBlocked

	for _, tk := range []*task.Task{running, done, blocked} {
		require.NoError(t, s.SaveTask(ctx, tk))
	}

	got, err := s.ListUnfinishedTasks(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
}

func TestSaveAndLoadSprint(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	sp := sprint.NewSprint("2026-08", []*task.Task{
		task.New("fix poller", []string{"internal/poller"}),
	})
	sp.GateResults = map[sprint.GateName]sprint.GateResult{
		sprint.GateSecurity: {Gate: sprint.GateSecurity, Verdict: task.VerdictPass},
	}
	require.NoError(t, s.SaveSprint(ctx, sp))

	got, err := s.LoadSprint(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, sp.Name, got.Name)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, task.VerdictPass, got.GateResults[sprint.GateSecurity].Verdict)

	_, err = s.LoadSprint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAndListSessions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := &council.Session{
		ID:     "sess-1",
		TaskID: "task-1",
		Winner: "A",
		Synthesis: council.Synthesis{
			WinnerID:      "A",
			PrimaryAction: "guard the empty batch",
		},
	}
	second := &council.Session{ID: "sess-2", TaskID: "task-1", Winner: "C"}
	other := &council.Session{ID: "sess-3", TaskID: "task-2", Winner: "B"}

	for _, sess := range []*council.Session{first, second, other} {
		require.NoError(t, s.SaveSession(ctx, sess))
	}

	got, err := s.SessionsForTask(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sess-1", got[0].ID)
	assert.Equal(t, "guard the empty batch", got[0].Synthesis.PrimaryAction)
}
