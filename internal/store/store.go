package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/forgeloop/crucible/internal/council"
	"github.com/forgeloop/crucible/internal/sprint"
	"github.com/forgeloop/crucible/internal/task"
)

// ErrNotFound is returned when a requested snapshot does not exist.
var ErrNotFound = errors.New("not found")

// Store is a durable snapshot store backed by SQLite. Rows hold the
// full JSON snapshot; status and timestamps are lifted into columns
// for querying without unmarshalling.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var schema = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA busy_timeout=5000;`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		iteration INTEGER NOT NULL DEFAULT 0,
		snapshot TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS sprints (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS council_sessions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		winner TEXT NOT NULL DEFAULT '',
		snapshot TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_council_sessions_task ON council_sessions(task_id);`,
}

// Open creates or opens the store at path, creating parent directories
// and the schema as needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTask upserts a task snapshot. Satisfies the controller's
// checkpointer contract.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, iteration, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			iteration = excluded.iteration,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		t.ID, string(t.Status), t.Iteration, string(snapshot), timestamp())
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// LoadTask returns the stored snapshot for a task.
func (s *Store) LoadTask(ctx context.Context, id string) (*task.Task, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM tasks WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(snapshot), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// ListUnfinishedTasks returns snapshots of every task not yet in a
// terminal state, for crash recovery.
func (s *Store) ListUnfinishedTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM tasks
		WHERE status NOT IN (?, ?, ?)
		ORDER BY updated_at`,
		string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusBlocked))
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal([]byte(snapshot), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SaveSprint upserts a sprint snapshot. Satisfies the aggregator's
// checkpointer contract.
func (s *Store) SaveSprint(ctx context.Context, sp *sprint.Sprint) error {
	snapshot, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("marshal sprint %s: %w", sp.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sprints (id, name, status, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		sp.ID, sp.Name, string(sp.Status), string(snapshot), timestamp())
	if err != nil {
		return fmt.Errorf("save sprint %s: %w", sp.ID, err)
	}
	return nil
}

// LoadSprint returns the stored snapshot for a sprint.
func (s *Store) LoadSprint(ctx context.Context, id string) (*sprint.Sprint, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM sprints WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sprint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load sprint %s: %w", id, err)
	}
	var sp sprint.Sprint
	if err := json.Unmarshal([]byte(snapshot), &sp); err != nil {
		return nil, fmt.Errorf("unmarshal sprint %s: %w", id, err)
	}
	return &sp, nil
}

// SaveSession records a completed council session for later audit.
func (s *Store) SaveSession(ctx context.Context, sess *council.Session) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO council_sessions (id, task_id, winner, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			winner = excluded.winner,
			snapshot = excluded.snapshot`,
		sess.ID, sess.TaskID, sess.Winner, string(snapshot), timestamp())
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// SessionsForTask returns every council session recorded for a task,
// oldest first.
func (s *Store) SessionsForTask(ctx context.Context, taskID string) ([]*council.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM council_sessions
		WHERE task_id = ?
		ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*council.Session
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess council.Session
		if err := json.Unmarshal([]byte(snapshot), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
