// Package exec runs collaboration plans: it schedules steps in
// dependency order, bounds parallel work, invokes the generator per
// step and compiles the final output.
package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/taskweave/internal/balance"
	"github.com/nidhogg/taskweave/internal/capacity"
	"github.com/nidhogg/taskweave/internal/clock"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/generator"
	"github.com/nidhogg/taskweave/internal/notify"
	"github.com/nidhogg/taskweave/internal/plan"
	"github.com/nidhogg/taskweave/internal/task"
)

// GeneratorFailure wraps a generator error that failed a step and its
// owning plan. The core performs no retries; retry policy belongs to
// the generator collaborator or the caller.
type GeneratorFailure struct {
	PlanID string
	StepID string
	Err    error
}

// Error describes the failed step.
func (e *GeneratorFailure) Error() string {
	return fmt.Sprintf("plan %s step %s: generator failure: %v", e.PlanID, e.StepID, e.Err)
}

// Unwrap exposes the underlying generator error for errors.Is matching.
func (e *GeneratorFailure) Unwrap() error { return e.Err }

// Store is the persistence surface the executor needs.
type Store interface {
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
	UpdatePlan(ctx context.Context, id string, fn func(*plan.Plan) error) (*plan.Plan, error)
	UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error)
}

// Executor drives plans through their state machine.
type Executor struct {
	store    Store
	gen      generator.Generator
	tracker  *balance.Tracker
	cap      capacity.Source
	log      *decision.Log
	notifier notify.Notifier
	clk      clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Executor.
func New(st Store, gen generator.Generator, tracker *balance.Tracker, capSrc capacity.Source,
	log *decision.Log, notifier notify.Notifier, clk clock.Clock, logger *zap.Logger) *Executor {
	return &Executor{
		store:    st,
		gen:      gen,
		tracker:  tracker,
		cap:      capSrc,
		log:      log,
		notifier: notifier,
		clk:      clk,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Execute runs the plan to a terminal or paused state. Planned plans
// are activated; paused plans resume. A step never starts before every
// step it depends on has completed. On a generator failure the step and
// plan are marked failed, already-completed outputs are preserved and
// the wrapped failure is returned.
func (e *Executor) Execute(ctx context.Context, planID string) error {
	var firstActivation bool
	p, err := e.store.UpdatePlan(ctx, planID, func(p *plan.Plan) error {
		if err := plan.Transition(p.Status, plan.StatusActive); err != nil {
			return err
		}
		firstActivation = p.Status == plan.StatusPlanned
		p.Status = plan.StatusActive
		if firstActivation {
			now := e.clk.Now()
			p.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("execute plan %s: %w", planID, err)
	}
	e.event(ctx, notify.KindPlan, planID, string(plan.StatusActive), "")
	if firstActivation {
		e.taskTo(ctx, p.TaskID, task.StatusInProgress, func(t *task.Task) {
			now := e.clk.Now()
			t.StartedAt = &now
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[planID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, planID)
		e.mu.Unlock()
	}()

	for {
		cur, err := e.store.GetPlan(ctx, planID)
		if err != nil {
			return fmt.Errorf("execute plan %s: %w", planID, err)
		}
		switch cur.Status {
		case plan.StatusCancelled, plan.StatusPaused:
			return nil
		case plan.StatusFailed:
			return nil
		}

		ready := plan.Ready(cur)
		if len(ready) == 0 {
			if allCompleted(cur) {
				return e.complete(ctx, cur)
			}
			return nil
		}

		var stepErr error
		if cur.Mode == plan.ModeParallel && len(ready) > 1 {
			stepErr = e.runConcurrent(runCtx, planID, ready)
		} else {
			stepErr = e.runStep(runCtx, planID, ready[0].ID)
		}
		if stepErr != nil {
			var gf *GeneratorFailure
			if errors.As(stepErr, &gf) {
				latest, gerr := e.store.GetPlan(ctx, planID)
				if gerr == nil && latest.Status == plan.StatusCancelled {
					return nil
				}
				if ferr := e.failPlan(ctx, planID, gf); ferr != nil {
					return ferr
				}
				return fmt.Errorf("execute plan %s: %w", planID, gf)
			}
			return stepErr
		}
	}
}

// Pause suspends an active plan before its next step is scheduled.
func (e *Executor) Pause(ctx context.Context, planID string) error {
	_, err := e.store.UpdatePlan(ctx, planID, func(p *plan.Plan) error {
		if err := plan.Transition(p.Status, plan.StatusPaused); err != nil {
			return err
		}
		p.Status = plan.StatusPaused
		return nil
	})
	if err != nil {
		return fmt.Errorf("pause plan %s: %w", planID, err)
	}
	e.event(ctx, notify.KindPlan, planID, string(plan.StatusPaused), "")
	return nil
}

// Cancel aborts a plan from Planned, Active or Paused. Pending and
// in-progress steps are marked cancelled; in-flight generator calls are
// interrupted best-effort and any eventual result discarded.
func (e *Executor) Cancel(ctx context.Context, planID, reason string) error {
	p, err := e.store.UpdatePlan(ctx, planID, func(p *plan.Plan) error {
		if err := plan.Transition(p.Status, plan.StatusCancelled); err != nil {
			return err
		}
		p.Status = plan.StatusCancelled
		now := e.clk.Now()
		p.CompletedAt = &now
		for i := range p.Steps {
			switch p.Steps[i].Status {
			case plan.StepPending, plan.StepInProgress:
				p.Steps[i].Status = plan.StepCancelled
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel plan %s: %w", planID, err)
	}

	e.mu.Lock()
	if c := e.cancels[planID]; c != nil {
		c()
	}
	e.mu.Unlock()

	if _, err := e.log.Record(ctx, decision.TypePlanCancelled,
		map[string]any{"plan_id": planID, "task_id": p.TaskID},
		reason,
		map[string]any{"status": string(plan.StatusCancelled)},
	); err != nil {
		return err
	}
	e.taskTo(ctx, p.TaskID, task.StatusCancelled, nil)
	e.event(ctx, notify.KindPlan, planID, string(plan.StatusCancelled), reason)
	e.logger.Info("plan cancelled",
		zap.String("plan", planID),
		zap.String("reason", reason))
	return nil
}

// runConcurrent dispatches ready steps through a semaphore-bounded pool
// and waits for all of them. The first failure, if any, is returned
// after every dispatched step has finished.
func (e *Executor) runConcurrent(ctx context.Context, planID string, ready []*plan.Step) error {
	maxConc := e.cap.Hint(ctx).MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}
	pool := make(chan struct{}, maxConc)
	errCh := make(chan error, len(ready))
	var wg sync.WaitGroup

	for _, s := range ready {
		wg.Add(1)
		go func(stepID string) {
			defer wg.Done()
			pool <- struct{}{}
			defer func() { <-pool }()
			if err := e.runStep(ctx, planID, stepID); err != nil {
				errCh <- err
			}
		}(s.ID)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// runStep executes a single step: mark in-progress, compose the prompt
// from dependency outputs, call the generator and record the result.
func (e *Executor) runStep(ctx context.Context, planID, stepID string) error {
	var agentID, prompt string
	_, err := e.store.UpdatePlan(ctx, planID, func(p *plan.Plan) error {
		s := p.StepByID(stepID)
		if s == nil {
			return fmt.Errorf("unknown step %s in plan %s", stepID, planID)
		}
		if s.Status != plan.StepPending {
			return fmt.Errorf("step %s is %s, not pending", stepID, s.Status)
		}
		s.Status = plan.StepInProgress
		now := e.clk.Now()
		s.StartedAt = &now
		agentID = s.AgentID
		prompt = composePrompt(p, s)
		return nil
	})
	if err != nil {
		return fmt.Errorf("start step %s: %w", stepID, err)
	}
	e.tracker.Incr(agentID)
	defer e.tracker.Decr(agentID)
	e.event(ctx, notify.KindStep, stepID, string(plan.StepInProgress), "")

	output, genErr := e.gen.Generate(ctx, prompt)
	now := e.clk.Now()

	var discarded bool
	_, err = e.store.UpdatePlan(ctx, planID, func(p *plan.Plan) error {
		s := p.StepByID(stepID)
		if s == nil {
			return fmt.Errorf("unknown step %s in plan %s", stepID, planID)
		}
		if s.Status == plan.StepCancelled {
			// cancelled while the generator call was in flight
			discarded = true
			return nil
		}
		if genErr != nil {
			s.Status = plan.StepFailed
			s.CompletedAt = &now
			return nil
		}
		s.Output = output
		s.Quality = ScoreOutput(output, s.ExpectedTags)
		s.Status = plan.StepCompleted
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish step %s: %w", stepID, err)
	}
	if discarded {
		return nil
	}
	if genErr != nil {
		e.event(ctx, notify.KindStep, stepID, string(plan.StepFailed), genErr.Error())
		return &GeneratorFailure{PlanID: planID, StepID: stepID, Err: genErr}
	}
	e.event(ctx, notify.KindStep, stepID, string(plan.StepCompleted), "")
	return nil
}

// failPlan marks the plan failed after a step failure, records the
// decision and fails the owning task. Completed step outputs stay as
// they are; nothing is rolled back.
func (e *Executor) failPlan(ctx context.Context, planID string, gf *GeneratorFailure) error {
	p, err := e.store.UpdatePlan(ctx, planID, func(p *plan.Plan) error {
		if p.Terminal() {
			return nil
		}
		if err := plan.Transition(p.Status, plan.StatusFailed); err != nil {
			return err
		}
		p.Status = plan.StatusFailed
		now := e.clk.Now()
		p.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail plan %s: %w", planID, err)
	}

	if _, err := e.log.Record(ctx, decision.TypeStepFailed,
		map[string]any{"plan_id": planID, "step_id": gf.StepID, "task_id": p.TaskID},
		fmt.Sprintf("generator failure: %v", gf.Err),
		map[string]any{"plan_status": string(plan.StatusFailed)},
	); err != nil {
		return err
	}
	e.taskTo(ctx, p.TaskID, task.StatusFailed, nil)
	e.event(ctx, notify.KindPlan, planID, string(plan.StatusFailed), gf.Error())
	e.logger.Warn("plan failed",
		zap.String("plan", planID),
		zap.String("step", gf.StepID),
		zap.Error(gf.Err))
	return nil
}

// complete compiles the final output, appends the metrics block and
// marks the plan and its task completed.
func (e *Executor) complete(ctx context.Context, cur *plan.Plan) error {
	now := e.clk.Now()
	var compiled string
	p, err := e.store.UpdatePlan(ctx, cur.ID, func(p *plan.Plan) error {
		if err := plan.Transition(p.Status, plan.StatusCompleted); err != nil {
			return err
		}
		p.Status = plan.StatusCompleted
		p.CompletedAt = &now

		actual := now.Sub(p.CreatedAt)
		if p.StartedAt != nil {
			actual = now.Sub(*p.StartedAt)
		}
		var quality float64
		for _, s := range p.Steps {
			quality += s.Quality
		}
		if len(p.Steps) > 0 {
			quality /= float64(len(p.Steps))
		}
		compiled = CompileBody(p.Mode, p.Steps) + MetricsBlock(p.Estimated, actual, quality)
		p.Output = compiled
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete plan %s: %w", cur.ID, err)
	}

	e.taskTo(ctx, p.TaskID, task.StatusCompleted, func(t *task.Task) {
		t.Output = compiled
		t.CompletedAt = &now
		if t.StartedAt != nil {
			t.ActualEffort = now.Sub(*t.StartedAt)
		}
	})
	e.event(ctx, notify.KindPlan, p.ID, string(plan.StatusCompleted), "")
	e.logger.Info("plan completed",
		zap.String("plan", p.ID),
		zap.String("task", p.TaskID),
		zap.Int("steps", len(p.Steps)))
	return nil
}

// taskTo transitions the owning task, logging instead of failing when
// the transition is not legal from the task's current state.
func (e *Executor) taskTo(ctx context.Context, taskID string, to task.Status, mutate func(*task.Task)) {
	var changed bool
	updated, err := e.store.UpdateTask(ctx, taskID, func(t *task.Task) error {
		changed = false
		if t.Status == to {
			return nil
		}
		if err := task.Transition(t.Status, to); err != nil {
			return err
		}
		t.Status = to
		changed = true
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
	if err == nil && changed && updated.Terminal() && updated.AssignedAgentID != "" {
		e.tracker.Decr(updated.AssignedAgentID)
	}
	if err != nil {
		e.logger.Warn("task transition skipped",
			zap.String("task", taskID),
			zap.String("to", string(to)),
			zap.Error(err))
		return
	}
	if !changed {
		return
	}
	e.event(ctx, notify.KindTask, taskID, string(to), "")
}

// event emits a best-effort notification.
func (e *Executor) event(ctx context.Context, kind notify.EntityKind, id, to, detail string) {
	e.notifier.Notify(ctx, notify.Event{
		Kind:      kind,
		EntityID:  id,
		To:        to,
		Detail:    detail,
		Timestamp: e.clk.Now(),
	})
}

func allCompleted(p *plan.Plan) bool {
	for _, s := range p.Steps {
		if s.Status != plan.StepCompleted {
			return false
		}
	}
	return len(p.Steps) > 0
}

// composePrompt builds the generator prompt for a step from its
// description, its dependencies' outputs and its expected tags.
func composePrompt(p *plan.Plan, s *plan.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\n", s.Description)
	for _, dep := range s.DependsOn {
		if d := p.StepByID(dep); d != nil && d.Output != "" {
			fmt.Fprintf(&b, "\nOutput from an earlier step:\n%s\n", d.Output)
		}
	}
	if len(s.ExpectedTags) > 0 {
		fmt.Fprintf(&b, "\nThe result should cover: %s\n", strings.Join(s.ExpectedTags, ", "))
	}
	return b.String()
}
