package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/taskweave/internal/task"
)

const taskColumns = `id, title, description, priority, status, assigned_agent_id,
	depends_on, estimated_ms, actual_ms, output, created_at, started_at, completed_at, version`

// CreateTask inserts a new task.
func (s *Postgres) CreateTask(ctx context.Context, t *task.Task) error {
	depends, _ := json.Marshal(t.DependsOn)
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, title, description, priority, status, assigned_agent_id,
			depends_on, estimated_ms, actual_ms, output, created_at, started_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`,
		t.ID, t.Title, t.Description, int(t.Priority), string(t.Status), t.AssignedAgentID,
		depends, t.EstimatedEffort.Milliseconds(), t.ActualEffort.Milliseconds(),
		t.Output, t.CreatedAt, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a single task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, _, err := s.getTaskVersioned(ctx, id)
	return t, err
}

func (s *Postgres) getTaskVersioned(ctx context.Context, id string) (*task.Task, int64, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, version, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, version, nil
}

// UpdateTask applies fn to the task using optimistic concurrency. On
// version conflict the read-modify-write cycle is retried with a short
// backoff before surfacing ErrConflict.
func (s *Postgres) UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		t, version, err := s.getTaskVersioned(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(t); err != nil {
			return nil, err
		}

		depends, _ := json.Marshal(t.DependsOn)
		tag, err := s.db.Exec(ctx, `
			UPDATE tasks SET title=$1, description=$2, priority=$3, status=$4,
				assigned_agent_id=$5, depends_on=$6, estimated_ms=$7, actual_ms=$8,
				output=$9, started_at=$10, completed_at=$11, version=version+1
			WHERE id=$12 AND version=$13`,
			t.Title, t.Description, int(t.Priority), string(t.Status),
			t.AssignedAgentID, depends, t.EstimatedEffort.Milliseconds(),
			t.ActualEffort.Milliseconds(), t.Output, t.StartedAt, t.CompletedAt,
			id, version,
		)
		if err != nil {
			return nil, fmt.Errorf("update task %s: %w", id, err)
		}
		if tag.RowsAffected() == 1 {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(conflictBackoff << attempt):
		}
	}
	return nil, fmt.Errorf("update task %s: %w", id, ErrConflict)
}

// ListTasks returns tasks matching the filter.
func (s *Postgres) ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		query += fmt.Sprintf(" AND assigned_agent_id = $%d", len(args))
	}
	if f.ByPriorityDesc {
		query += " ORDER BY priority DESC, created_at"
	} else {
		query += " ORDER BY created_at"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, _, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*task.Task, int64, error) {
	var t task.Task
	var priority int
	var status string
	var depends []byte
	var estimatedMS, actualMS, version int64
	err := row.Scan(&t.ID, &t.Title, &t.Description, &priority, &status,
		&t.AssignedAgentID, &depends, &estimatedMS, &actualMS, &t.Output,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &version)
	if err != nil {
		return nil, 0, err
	}
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.EstimatedEffort = time.Duration(estimatedMS) * time.Millisecond
	t.ActualEffort = time.Duration(actualMS) * time.Millisecond
	_ = json.Unmarshal(depends, &t.DependsOn)
	return &t, version, nil
}
