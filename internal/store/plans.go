package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/taskweave/internal/plan"
)

// CreatePlan inserts a plan and its steps in one transaction.
func (s *Postgres) CreatePlan(ctx context.Context, p *plan.Plan) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create plan %s: %w", p.ID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO plans (id, task_id, mode, status, estimated_ms, output, created_at, started_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)`,
		p.ID, p.TaskID, string(p.Mode), string(p.Status), p.Estimated.Milliseconds(),
		p.Output, p.CreatedAt, p.StartedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plan %s: %w", p.ID, err)
	}
	if err := insertSteps(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit plan %s: %w", p.ID, err)
	}
	return nil
}

func insertSteps(ctx context.Context, tx pgx.Tx, p *plan.Plan) error {
	for i, st := range p.Steps {
		depends, _ := json.Marshal(st.DependsOn)
		tags, _ := json.Marshal(st.ExpectedTags)
		_, err := tx.Exec(ctx, `
			INSERT INTO steps (id, plan_id, position, agent_id, description, depends_on,
				expected_tags, status, output, quality, estimated_ms, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			st.ID, p.ID, i, st.AgentID, st.Description, depends, tags,
			string(st.Status), st.Output, st.Quality, st.Estimated.Milliseconds(),
			st.StartedAt, st.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}
	return nil
}

// GetPlan retrieves a plan and its steps in creation order.
func (s *Postgres) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	p, _, err := s.getPlanVersioned(ctx, id)
	return p, err
}

func (s *Postgres) getPlanVersioned(ctx context.Context, id string) (*plan.Plan, int64, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, task_id, mode, status, estimated_ms, output, created_at, started_at, completed_at, version
		FROM plans WHERE id = $1`, id)
	p, version, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get plan %s: %w", id, err)
	}
	if err := s.loadSteps(ctx, p); err != nil {
		return nil, 0, err
	}
	return p, version, nil
}

func (s *Postgres) loadSteps(ctx context.Context, p *plan.Plan) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, description, depends_on, expected_tags, status,
			output, quality, estimated_ms, started_at, completed_at
		FROM steps WHERE plan_id = $1 ORDER BY position`, p.ID)
	if err != nil {
		return fmt.Errorf("load steps for plan %s: %w", p.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var st plan.Step
		var depends, tags []byte
		var status string
		var estimatedMS int64
		if err := rows.Scan(&st.ID, &st.AgentID, &st.Description, &depends, &tags,
			&status, &st.Output, &st.Quality, &estimatedMS, &st.StartedAt, &st.CompletedAt); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		st.Status = plan.StepStatus(status)
		st.Estimated = time.Duration(estimatedMS) * time.Millisecond
		_ = json.Unmarshal(depends, &st.DependsOn)
		_ = json.Unmarshal(tags, &st.ExpectedTags)
		p.Steps = append(p.Steps, st)
	}
	return rows.Err()
}

// UpdatePlan applies fn to the plan and rewrites its steps using
// optimistic concurrency with bounded retry.
func (s *Postgres) UpdatePlan(ctx context.Context, id string, fn func(*plan.Plan) error) (*plan.Plan, error) {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		p, version, err := s.getPlanVersioned(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(p); err != nil {
			return nil, err
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("update plan %s: %w", id, err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE plans SET mode=$1, status=$2, estimated_ms=$3, output=$4,
				started_at=$5, completed_at=$6, version=version+1
			WHERE id=$7 AND version=$8`,
			string(p.Mode), string(p.Status), p.Estimated.Milliseconds(), p.Output,
			p.StartedAt, p.CompletedAt, id, version,
		)
		if err != nil {
			tx.Rollback(ctx)
			return nil, fmt.Errorf("update plan %s: %w", id, err)
		}
		if tag.RowsAffected() == 1 {
			if _, err := tx.Exec(ctx, `DELETE FROM steps WHERE plan_id = $1`, id); err != nil {
				tx.Rollback(ctx)
				return nil, fmt.Errorf("clear steps for plan %s: %w", id, err)
			}
			if err := insertSteps(ctx, tx, p); err != nil {
				tx.Rollback(ctx)
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("commit plan %s: %w", id, err)
			}
			return p, nil
		}

		tx.Rollback(ctx)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(conflictBackoff << attempt):
		}
	}
	return nil, fmt.Errorf("update plan %s: %w", id, ErrConflict)
}

// FindOpenPlan returns the task's non-terminal plan, or ErrNotFound.
func (s *Postgres) FindOpenPlan(ctx context.Context, taskID string) (*plan.Plan, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, task_id, mode, status, estimated_ms, output, created_at, started_at, completed_at, version
		FROM plans
		WHERE task_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`, taskID)
	p, _, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open plan for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find open plan for task %s: %w", taskID, err)
	}
	if err := s.loadSteps(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func scanPlan(row pgx.Row) (*plan.Plan, int64, error) {
	var p plan.Plan
	var mode, status string
	var estimatedMS, version int64
	err := row.Scan(&p.ID, &p.TaskID, &mode, &status, &estimatedMS, &p.Output,
		&p.CreatedAt, &p.StartedAt, &p.CompletedAt, &version)
	if err != nil {
		return nil, 0, err
	}
	p.Mode = plan.Mode(mode)
	p.Status = plan.Status(status)
	p.Estimated = time.Duration(estimatedMS) * time.Millisecond
	return &p, version, nil
}
