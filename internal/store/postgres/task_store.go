// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

// pgxPool is the subset of pgxpool.Pool the stores use; pgxmock satisfies
// it for tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// TaskStoreConfig controls the Postgres connection pool for task records.
type TaskStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// TaskStore implements task.Store on Postgres. The partial unique index
// on (crawler_type, target) over pending/running rows makes the
// create-or-conflict check atomic across processes.
type TaskStore struct {
	pool pgxPool
}

// NewTaskStore connects a pool and returns a TaskStore.
func NewTaskStore(ctx context.Context, cfg TaskStoreConfig) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &TaskStore{pool: pool}, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewTaskStoreWithPool(pool pgxPool) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: pool}, nil
}

// Pool exposes the connection pool so sibling stores can share it.
func (s *TaskStore) Pool() pgxPool {
	return s.pool
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the task table and its indexes if they do not exist.
func (s *TaskStore) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS crawler_tasks (
	id UUID PRIMARY KEY,
	crawler_type TEXT NOT NULL,
	target TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	result_summary JSONB,
	error JSONB
);
CREATE UNIQUE INDEX IF NOT EXISTS crawler_tasks_active_key
	ON crawler_tasks (crawler_type, target)
	WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS crawler_tasks_created_at_idx
	ON crawler_tasks (created_at DESC);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate crawler_tasks: %w", err)
	}
	return nil
}

const insertTaskQuery = `
INSERT INTO crawler_tasks (id, crawler_type, target, status, created_at)
VALUES ($1, $2, $3, 'pending', $4)
ON CONFLICT (crawler_type, target) WHERE status IN ('pending', 'running') DO NOTHING;
`

const activeTaskQuery = `
SELECT id FROM crawler_tasks
WHERE crawler_type = $1 AND target = $2 AND status IN ('pending', 'running');
`

// Create inserts a new pending task or reports the active one for the key.
func (s *TaskStore) Create(ctx context.Context, t task.Task) error {
	// Two rounds cover the window where the active holder finishes
	// between the failed insert and the conflict lookup.
	for attempt := 0; attempt < 2; attempt++ {
		tag, err := s.pool.Exec(ctx, insertTaskQuery, t.ID, t.CrawlerType, t.Target, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var activeID string
		err = s.pool.QueryRow(ctx, activeTaskQuery, t.CrawlerType, t.Target).Scan(&activeID)
		if err == nil {
			return &task.ConflictError{
				CrawlerType:  t.CrawlerType,
				Target:       t.Target,
				ActiveTaskID: activeID,
			}
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lookup active task: %w", err)
		}
	}
	return fmt.Errorf("insert task %s: key contention", t.ID)
}

const taskColumns = `id, crawler_type, target, status, created_at, started_at, completed_at, result_summary, error`

const markRunningQuery = `
UPDATE crawler_tasks
SET status = 'running', started_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING ` + taskColumns + `;`

const markSucceededQuery = `
UPDATE crawler_tasks
SET status = 'succeeded', completed_at = $2, result_summary = $3
WHERE id = $1 AND status = 'running'
RETURNING ` + taskColumns + `;`

const markFailedQuery = `
UPDATE crawler_tasks
SET status = 'failed', completed_at = $2, error = $3
WHERE id = $1 AND status = 'running'
RETURNING ` + taskColumns + `;`

// Transition applies a guarded status edge; the WHERE clause on the
// current status is what guarantees at most one terminal transition.
func (s *TaskStore) Transition(
	ctx context.Context,
	id string,
	next task.Status,
	outcome task.Outcome,
) (task.Task, error) {
	now := time.Now().UTC()
	var row pgx.Row
	switch next {
	case task.StatusRunning:
		row = s.pool.QueryRow(ctx, markRunningQuery, id, now)
	case task.StatusSucceeded:
		var payload []byte
		if outcome.Result != nil {
			var err error
			payload, err = json.Marshal(outcome.Result)
			if err != nil {
				return task.Task{}, fmt.Errorf("marshal result summary: %w", err)
			}
		}
		row = s.pool.QueryRow(ctx, markSucceededQuery, id, now, payload)
	case task.StatusFailed:
		var payload []byte
		if outcome.Error != nil {
			var err error
			payload, err = json.Marshal(outcome.Error)
			if err != nil {
				return task.Task{}, fmt.Errorf("marshal failure: %w", err)
			}
		}
		row = s.pool.QueryRow(ctx, markFailedQuery, id, now, payload)
	default:
		return task.Task{}, fmt.Errorf("%w: -> %s", task.ErrInvalidTransition, next)
	}

	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, fmt.Errorf("transition task %s: %w", id, err)
	}

	// Guarded update matched nothing: unknown id or illegal edge.
	var current task.Status
	err = s.pool.QueryRow(ctx, `SELECT status FROM crawler_tasks WHERE id = $1;`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("lookup task %s: %w", id, err)
	}
	return task.Task{}, fmt.Errorf(
		"%w: %s -> %s (task %s)", task.ErrInvalidTransition, current, next, id,
	)
}

// Get fetches a task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM crawler_tasks WHERE id = $1;`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

const listTasksQuery = `
SELECT ` + taskColumns + `
FROM crawler_tasks
WHERE ($1::text IS NULL OR crawler_type = $1)
	AND ($2::text IS NULL OR status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4;
`

// List returns tasks matching the filter, newest first.
func (s *TaskStore) List(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	var crawlerType, status *string
	if filter.CrawlerType != "" {
		crawlerType = &filter.CrawlerType
	}
	if filter.Status != "" {
		str := string(filter.Status)
		status = &str
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, listTasksQuery, crawlerType, status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (task.Task, error) {
	var (
		t           task.Task
		resultJSON  []byte
		failureJSON []byte
	)
	err := row.Scan(
		&t.ID,
		&t.CrawlerType,
		&t.Target,
		&t.Status,
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
		&resultJSON,
		&failureJSON,
	)
	if err != nil {
		return task.Task{}, err
	}
	if len(resultJSON) > 0 {
		var summary task.Summary
		if err := json.Unmarshal(resultJSON, &summary); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal result summary: %w", err)
		}
		t.Result = &summary
	}
	if len(failureJSON) > 0 {
		var failure task.Failure
		if err := json.Unmarshal(failureJSON, &failure); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal failure: %w", err)
		}
		t.Error = &failure
	}
	return t, nil
}
