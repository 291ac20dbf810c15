// Package store persists agents, tasks, plans and decisions. Two
// implementations exist: an in-memory store and a PostgreSQL store.
package store

import (
	"context"
	"errors"

	"github.com/nidhogg/taskweave/internal/agent"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/plan"
	"github.com/nidhogg/taskweave/internal/task"
)

// ErrNotFound indicates an unknown entity id.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification that could not be
// resolved after bounded retries.
var ErrConflict = errors.New("concurrent modification conflict")

// TaskFilter selects tasks for listing. Zero values match everything.
type TaskFilter struct {
	Status  task.Status
	AgentID string
	// ByPriorityDesc orders highest priority first; otherwise creation order.
	ByPriorityDesc bool
	// Limit caps results; ≤ 0 means no limit.
	Limit int
}

// Store is the persistence surface the orchestration core requires:
// create, update-by-id, get-by-id and filtered/ordered/limited listing.
// Update methods take a mutate closure so implementations can serialize
// per-entity writes and retry on write contention internally.
type Store interface {
	SaveAgent(ctx context.Context, p *agent.Profile) error
	GetAgent(ctx context.Context, id string) (*agent.Profile, error)
	ListAgents(ctx context.Context) ([]*agent.Profile, error)

	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, error)

	CreatePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
	UpdatePlan(ctx context.Context, id string, fn func(*plan.Plan) error) (*plan.Plan, error)
	// FindOpenPlan returns the task's non-terminal plan, or ErrNotFound.
	FindOpenPlan(ctx context.Context, taskID string) (*plan.Plan, error)

	AppendDecision(ctx context.Context, d *decision.Decision) error
	ListDecisions(ctx context.Context, f decision.Filter) ([]*decision.Decision, error)
}
