package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/forgeloop/crucible/internal/sprint"
	"github.com/forgeloop/crucible/internal/task"
)

// SubjectSprintRun receives sprint submissions.
const SubjectSprintRun = "crucible.sprint.run"

// TaskSpec describes one task in a sprint submission. ID is optional;
// DependsOn refers to the ids of other tasks in the same submission.
type TaskSpec struct {
	ID                 string   `json:"id,omitempty"`
	Description        string   `json:"description"`
	Scope              []string `json:"scope"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
}

// SprintRequest is the submission payload.
type SprintRequest struct {
	Name  string     `json:"name"`
	Tasks []TaskSpec `json:"tasks"`
}

// SprintResponse is the reply: the terminal sprint report, or an error
// when the submission itself was malformed.
type SprintResponse struct {
	Report *sprint.Report `json:"report,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// SprintRunner drives a sprint to a terminal state. Satisfied by
// *sprint.Aggregator.
type SprintRunner interface {
	Run(ctx context.Context, s *sprint.Sprint) (*sprint.Report, error)
}

// Server exposes sprint execution over NATS: one subject, one sprint
// per request, the terminal report as the reply.
type Server struct {
	nc     *nats.Conn
	runner SprintRunner
	logger *zap.Logger

	sub *nats.Subscription
}

// NewServer creates a sprint submission server on an existing
// connection.
func NewServer(client *Client, runner SprintRunner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{nc: client.nc, runner: runner, logger: logger}
}

// Start subscribes to the submission subject. Each submission runs in
// its own goroutine under the server context; the reply is sent when
// the sprint reaches a terminal state.
func (s *Server) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(SubjectSprintRun, func(msg *nats.Msg) {
		go s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectSprintRun, err)
	}
	s.sub = sub
	s.logger.Info("sprint server listening", zap.String("subject", SubjectSprintRun))
	return nil
}

// Stop unsubscribes. In-flight sprints finish under the start context.
func (s *Server) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *Server) handle(ctx context.Context, msg *nats.Msg) {
	var req SprintRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, SprintResponse{Error: fmt.Sprintf("decode submission: %v", err)})
		return
	}

	sp, err := buildSprint(req)
	if err != nil {
		s.reply(msg, SprintResponse{Error: err.Error()})
		return
	}

	s.logger.Info("sprint submitted",
		zap.String("sprint_id", sp.ID),
		zap.String("sprint", sp.Name),
		zap.Int("tasks", len(sp.Tasks)))

	report, err := s.runner.Run(ctx, sp)
	if err != nil {
		s.reply(msg, SprintResponse{Error: fmt.Sprintf("run sprint: %v", err)})
		return
	}
	s.reply(msg, SprintResponse{Report: report})
}

func (s *Server) reply(msg *nats.Msg, resp SprintResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal sprint response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("send sprint response", zap.Error(err))
	}
}

// buildSprint validates a submission and turns it into a sprint.
func buildSprint(req SprintRequest) (*sprint.Sprint, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("sprint name is required")
	}
	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("sprint requires at least one task")
	}

	ids := make(map[string]bool, len(req.Tasks))
	tasks := make([]*task.Task, 0, len(req.Tasks))
	for i, spec := range req.Tasks {
		if spec.Description == "" {
			return nil, fmt.Errorf("task %d: description is required", i)
		}
		if len(spec.Scope) == 0 {
			return nil, fmt.Errorf("task %d: scope is required", i)
		}
		t := task.New(spec.Description, spec.Scope)
		if spec.ID != "" {
			t.ID = spec.ID
		}
		if ids[t.ID] {
			return nil, fmt.Errorf("task %d: duplicate id %q", i, t.ID)
		}
		ids[t.ID] = true
		t.AcceptanceCriteria = spec.AcceptanceCriteria
		t.DependsOn = spec.DependsOn
		tasks = append(tasks, t)
	}
	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("task %d: unknown dependency %q", i, dep)
			}
		}
	}
	return sprint.NewSprint(req.Name, tasks), nil
}
