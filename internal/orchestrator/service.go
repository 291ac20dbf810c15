// Package orchestrator exposes the engine's entry points: task
// assignment, rebalancing, collaboration planning, plan execution and
// decision queries. Transport, auth and marshaling live elsewhere.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/taskweave/internal/agent"
	"github.com/nidhogg/taskweave/internal/balance"
	"github.com/nidhogg/taskweave/internal/capacity"
	"github.com/nidhogg/taskweave/internal/clock"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/exec"
	"github.com/nidhogg/taskweave/internal/match"
	"github.com/nidhogg/taskweave/internal/notify"
	"github.com/nidhogg/taskweave/internal/plan"
	"github.com/nidhogg/taskweave/internal/store"
	"github.com/nidhogg/taskweave/internal/task"
)

// ErrValidation marks malformed input, rejected before any state mutation.
var ErrValidation = errors.New("invalid input")

// ErrNoCapacity indicates no eligible agent meets the minimum match
// confidence for a task.
var ErrNoCapacity = errors.New("no eligible agent meets minimum confidence")

// ErrNoCollaboration indicates the task fits a single agent and needs
// no collaboration plan.
var ErrNoCollaboration = errors.New("task does not need collaboration")

// Config holds service-level tunables.
type Config struct {
	// MinScore is the minimum match confidence for direct assignment.
	MinScore float64
}

// Service wires the matcher, balancer, planner and executor behind the
// engine's entry points.
type Service struct {
	store    store.Store
	matcher  *match.Matcher
	balancer *balance.Balancer
	planner  *plan.Planner
	executor *exec.Executor
	log      *decision.Log
	tracker  *balance.Tracker
	cap      capacity.Source
	notifier notify.Notifier
	clk      clock.Clock
	logger   *zap.Logger
	minScore float64
}

// New creates the orchestration service.
func New(cfg Config, st store.Store, matcher *match.Matcher, balancer *balance.Balancer,
	planner *plan.Planner, executor *exec.Executor, log *decision.Log,
	capSrc capacity.Source, notifier notify.Notifier, clk clock.Clock, logger *zap.Logger) *Service {
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.3
	}
	return &Service{
		store:    st,
		matcher:  matcher,
		balancer: balancer,
		planner:  planner,
		executor: executor,
		log:      log,
		tracker:  balancer.Tracker(),
		cap:      capSrc,
		notifier: notifier,
		clk:      clk,
		logger:   logger,
		minScore: cfg.MinScore,
	}
}

// RegisterAgent validates and persists an agent profile. A zero MaxLoad
// falls back to the capacity hint's per-agent ceiling.
func (s *Service) RegisterAgent(ctx context.Context, p *agent.Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("agent id is required: %w", ErrValidation)
	}
	if p.Role == "" {
		return fmt.Errorf("agent %s: role is required: %w", p.ID, ErrValidation)
	}
	if len(p.Keywords) == 0 {
		return fmt.Errorf("agent %s: at least one capability keyword is required: %w", p.ID, ErrValidation)
	}
	if p.MaxLoad <= 0 {
		p.MaxLoad = s.cap.Hint(ctx).MaxAgentLoad
	}
	now := s.clk.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := s.store.SaveAgent(ctx, p); err != nil {
		return err
	}
	s.tracker.Set(p.ID, p.ActiveCount)
	s.logger.Info("agent registered",
		zap.String("agent", p.ID),
		zap.String("role", string(p.Role)))
	return nil
}

// Agents lists registered agents with live load counts.
func (s *Service) Agents(ctx context.Context) ([]*agent.Profile, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		a.ActiveCount = s.tracker.Load(a.ID)
	}
	return agents, nil
}

// SubmitTask validates and stores a new pending task.
func (s *Service) SubmitTask(ctx context.Context, title, description string, priority task.Priority) (*task.Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("task title is required: %w", ErrValidation)
	}
	t := &task.Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      task.StatusPending,
		CreatedAt:   s.clk.Now(),
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindTask, EntityID: t.ID,
		To: string(task.StatusPending), Timestamp: t.CreatedAt,
	})
	return t, nil
}

// Task returns a task by id.
func (s *Service) Task(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// Plan returns a plan by id.
func (s *Service) Plan(ctx context.Context, id string) (*plan.Plan, error) {
	return s.store.GetPlan(ctx, id)
}

// Assign matches a pending task to the best-fitting agent with spare
// capacity and records the decision.
func (s *Service) Assign(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPending {
		return nil, fmt.Errorf("task %s is %s, not pending: %w", taskID, t.Status, ErrValidation)
	}

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	var best *agent.Profile
	bestScore := 0.0
	for _, a := range agents {
		if a.MaxLoad > 0 && s.tracker.Load(a.ID) >= a.MaxLoad {
			continue
		}
		score := s.matcher.Score(t.Text(), a)
		if score > bestScore {
			best = a
			bestScore = score
		}
	}
	if best == nil || bestScore < s.minScore {
		return nil, fmt.Errorf("assign task %s: %w", taskID, ErrNoCapacity)
	}

	updated, err := s.store.UpdateTask(ctx, taskID, func(cur *task.Task) error {
		if err := task.Transition(cur.Status, task.StatusAssigned); err != nil {
			return err
		}
		cur.Status = task.StatusAssigned
		cur.AssignedAgentID = best.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.tracker.Incr(best.ID)

	if _, err := s.log.Record(ctx, decision.TypeAssignment,
		map[string]any{"task_id": taskID, "candidates": len(agents)},
		fmt.Sprintf("matched agent %s with confidence %.2f", best.ID, bestScore),
		map[string]any{"agent_id": best.ID, "score": bestScore},
	); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindTask, EntityID: taskID,
		From: string(task.StatusPending), To: string(task.StatusAssigned),
		Detail: best.ID, Timestamp: s.clk.Now(),
	})
	s.logger.Info("task assigned",
		zap.String("task", taskID),
		zap.String("agent", best.ID),
		zap.Float64("score", bestScore))
	return updated, nil
}

// Rebalance redistributes assigned-but-unstarted tasks away from
// overloaded agents.
func (s *Service) Rebalance(ctx context.Context) ([]balance.Reassignment, error) {
	return s.balancer.Rebalance(ctx)
}

// Loads returns the current per-agent active loads.
func (s *Service) Loads() map[string]int {
	return s.tracker.Loads()
}

// PlanCollaboration detects the task's collaboration mode, selects a
// team and compiles the plan. Single-domain tasks return
// ErrNoCollaboration; callers should Assign those directly.
func (s *Service) PlanCollaboration(ctx context.Context, taskID string) (*plan.Plan, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrValidation)
	}

	mode, ok := s.planner.DetectMode(t.Text())
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNoCollaboration)
	}

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	team, err := s.planner.SelectAgents(t.Text(), mode, agents)
	if err != nil {
		return nil, fmt.Errorf("plan task %s: %w", taskID, err)
	}

	pl, err := s.planner.BuildPlan(ctx, t, mode, team)
	if err != nil {
		return nil, err
	}

	// The task is owned by the team's lead agent for tracking purposes.
	if t.Status == task.StatusPending {
		if _, err := s.store.UpdateTask(ctx, taskID, func(cur *task.Task) error {
			if err := task.Transition(cur.Status, task.StatusAssigned); err != nil {
				return err
			}
			cur.Status = task.StatusAssigned
			cur.AssignedAgentID = team[0].ID
			cur.EstimatedEffort = pl.Estimated
			return nil
		}); err != nil {
			return nil, err
		}
		s.tracker.Incr(team[0].ID)
	}
	return pl, nil
}

// ExecutePlan runs a plan to completion, failure or suspension.
func (s *Service) ExecutePlan(ctx context.Context, planID string) error {
	return s.executor.Execute(ctx, planID)
}

// PausePlan suspends an active plan.
func (s *Service) PausePlan(ctx context.Context, planID string) error {
	return s.executor.Pause(ctx, planID)
}

// ResumePlan continues a paused plan.
func (s *Service) ResumePlan(ctx context.Context, planID string) error {
	return s.executor.Execute(ctx, planID)
}

// CancelPlan aborts a plan with a reason.
func (s *Service) CancelPlan(ctx context.Context, planID, reason string) error {
	return s.executor.Cancel(ctx, planID, reason)
}

// QueryDecisions returns audit records newest first.
func (s *Service) QueryDecisions(ctx context.Context, typ decision.Type, limit int) ([]*decision.Decision, error) {
	return s.log.Query(ctx, typ, limit)
}

// RecordOverride appends a manual-override decision on behalf of a caller.
func (s *Service) RecordOverride(ctx context.Context, reasoning string, dctx, outcome map[string]any) (*decision.Decision, error) {
	if strings.TrimSpace(reasoning) == "" {
		return nil, fmt.Errorf("override reasoning is required: %w", ErrValidation)
	}
	return s.log.Record(ctx, decision.TypeManualOverride, dctx, reasoning, outcome)
}
