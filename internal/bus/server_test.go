package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forgeloop/crucible/internal/sprint"
	"github.com/forgeloop/crucible/internal/task"
)

type fakeSprintRunner struct {
	got *sprint.Sprint
}

func (f *fakeSprintRunner) Run(_ context.Context, s *sprint.Sprint) (*sprint.Report, error) {
	f.got = s
	for _, t := range s.Tasks {
		t.Status = task.StatusCompleted
	}
	s.Status = task.StatusCompleted
	return &sprint.Report{Sprint: s}, nil
}

func submitSprint(t *testing.T, client *Client, req SprintRequest) SprintResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp SprintResponse
	require.NoError(t, client.Request(ctx, SubjectSprintRun, req, &resp))
	return resp
}

func TestServerRunsSubmittedSprint(t *testing.T) {
	client, _ := startBus(t)
	runner := &fakeSprintRunner{}
	srv := NewServer(client, runner, zaptest.NewLogger(t))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	resp := submitSprint(t, client, SprintRequest{
		Name: "auth-hardening",
		Tasks: []TaskSpec{
			{ID: "t1", Description: "rotate signing keys", Scope: []string{"internal/auth/keys.go"}},
			{
				ID:          "t2",
				Description: "bump token TTL tests",
				Scope:       []string{"internal/auth/token_test.go"},
				DependsOn:   []string{"t1"},
			},
		},
	})

	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Report)
	assert.Equal(t, task.StatusCompleted, resp.Report.Sprint.Status)

	require.NotNil(t, runner.got)
	assert.Equal(t, "auth-hardening", runner.got.Name)
	require.Len(t, runner.got.Tasks, 2)
	assert.Equal(t, []string{"t1"}, runner.got.Tasks[1].DependsOn)
}

func TestServerRejectsMalformedSubmissions(t *testing.T) {
	client, _ := startBus(t)
	srv := NewServer(client, &fakeSprintRunner{}, zaptest.NewLogger(t))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	cases := []struct {
		name string
		req  SprintRequest
		want string
	}{
		{
			name: "missing name",
			req: SprintRequest{Tasks: []TaskSpec{
				{Description: "x", Scope: []string{"a.go"}},
			}},
			want: "name is required",
		},
		{
			name: "no tasks",
			req:  SprintRequest{Name: "empty"},
			want: "at least one task",
		},
		{
			name: "missing scope",
			req: SprintRequest{Name: "s", Tasks: []TaskSpec{
				{Description: "x"},
			}},
			want: "scope is required",
		},
		{
			name: "unknown dependency",
			req: SprintRequest{Name: "s", Tasks: []TaskSpec{
				{ID: "t1", Description: "x", Scope: []string{"a.go"}, DependsOn: []string{"ghost"}},
			}},
			want: "unknown dependency",
		},
		{
			name: "duplicate id",
			req: SprintRequest{Name: "s", Tasks: []TaskSpec{
				{ID: "t1", Description: "x", Scope: []string{"a.go"}},
				{ID: "t1", Description: "y", Scope: []string{"b.go"}},
			}},
			want: "duplicate id",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := submitSprint(t, client, tc.req)
			assert.Nil(t, resp.Report)
			assert.Contains(t, resp.Error, tc.want)
		})
	}
}

func TestServerRejectsInvalidJSON(t *testing.T) {
	client, _ := startBus(t)
	srv := NewServer(client, &fakeSprintRunner{}, zaptest.NewLogger(t))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := client.nc.RequestWithContext(ctx, SubjectSprintRun, []byte("{not json"))
	require.NoError(t, err)

	var resp SprintResponse
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	assert.Contains(t, resp.Error, "decode submission")
}
