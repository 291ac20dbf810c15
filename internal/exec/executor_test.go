package exec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/taskweave/internal/balance"
	"github.com/nidhogg/taskweave/internal/capacity"
	"github.com/nidhogg/taskweave/internal/clock"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/generator"
	"github.com/nidhogg/taskweave/internal/notify"
	"github.com/nidhogg/taskweave/internal/plan"
	"github.com/nidhogg/taskweave/internal/store"
	"github.com/nidhogg/taskweave/internal/task"
)

func newTestExecutor(t *testing.T, gen generator.Generator) (*Executor, *store.Memory, *balance.Tracker) {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tracker := balance.NewTracker()
	log := decision.NewLog(st, clk, zap.NewNop())
	e := New(st, gen, tracker, capacity.NewStatic(capacity.Hint{MaxConcurrency: 2}),
		log, notify.Nop{}, clk, zap.NewNop())
	return e, st, tracker
}

// seedPlan stores an assigned task and its planned collaboration.
func seedPlan(t *testing.T, st *store.Memory, mode plan.Mode, steps []plan.Step) *plan.Plan {
	t.Helper()
	ctx := context.Background()
	tk := &task.Task{
		ID:              "t1",
		Title:           "seeded work",
		Status:          task.StatusAssigned,
		AssignedAgentID: steps[0].AgentID,
	}
	if err := st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create task: %v", err)
	}
	var estimated time.Duration
	for _, s := range steps {
		estimated += s.Estimated
	}
	p := &plan.Plan{
		ID:        "p1",
		TaskID:    tk.ID,
		Mode:      mode,
		Steps:     steps,
		Status:    plan.StatusPlanned,
		Estimated: estimated,
	}
	if err := st.CreatePlan(ctx, p); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

// recordingGen captures every prompt it is asked to generate for.
type recordingGen struct {
	mu      sync.Mutex
	prompts []string
	fn      func(prompt string) (string, error)
}

func (g *recordingGen) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(prompt)
	}
	return "output for: " + prompt, nil
}

func (g *recordingGen) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

func sequentialSteps(agentID string, descs ...string) []plan.Step {
	var steps []plan.Step
	for i, d := range descs {
		s := plan.Step{
			ID:          d,
			AgentID:     agentID,
			Description: d,
			Status:      plan.StepPending,
			Estimated:   10 * time.Minute,
		}
		if i > 0 {
			s.DependsOn = []string{steps[i-1].ID}
		}
		steps = append(steps, s)
	}
	return steps
}

func TestExecuteSequentialCompletes(t *testing.T) {
	gen := &recordingGen{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "first") {
			return "first result", nil
		}
		return "second result", nil
	}}
	e, st, _ := newTestExecutor(t, gen)
	seedPlan(t, st, plan.ModeSequential, sequentialSteps("a1", "first", "second"))

	if err := e.Execute(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, err := st.GetPlan(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if p.Status != plan.StatusCompleted {
		t.Fatalf("plan status %s, want completed", p.Status)
	}
	for _, s := range p.Steps {
		if s.Status != plan.StepCompleted {
			t.Errorf("step %s status %s, want completed", s.ID, s.Status)
		}
		if s.Output == "" {
			t.Errorf("step %s has no output", s.ID)
		}
	}
	// The final output is the last step's work plus the metrics block.
	if !strings.HasPrefix(p.Output, "second result") {
		t.Errorf("plan output %q does not start with the last step's result", p.Output)
	}
	if !strings.Contains(p.Output, "avg quality:") {
		t.Errorf("plan output missing metrics block: %q", p.Output)
	}

	tk, err := st.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if tk.Status != task.StatusCompleted {
		t.Errorf("task status %s, want completed", tk.Status)
	}
	if tk.Output != p.Output {
		t.Error("task output differs from plan output")
	}
}

func TestExecuteFeedsDependencyOutputs(t *testing.T) {
	gen := &recordingGen{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "first") {
			return "ALPHA-RESULT", nil
		}
		return "BETA-RESULT", nil
	}}
	e, st, _ := newTestExecutor(t, gen)
	seedPlan(t, st, plan.ModeSequential, sequentialSteps("a1", "first", "second"))

	if err := e.Execute(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := gen.calls()
	if len(calls) != 2 {
		t.Fatalf("got %d generator calls, want 2", len(calls))
	}
	if strings.Contains(calls[0], "ALPHA-RESULT") {
		t.Error("first step's prompt already contains its own output")
	}
	if !strings.Contains(calls[1], "ALPHA-RESULT") {
		t.Errorf("second step's prompt missing the dependency output: %q", calls[1])
	}
}

func TestExecuteParallelIntegrationWaitsForAll(t *testing.T) {
	gen := &recordingGen{fn: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "left"):
			time.Sleep(30 * time.Millisecond)
			return "LEFT-OUT", nil
		case strings.Contains(prompt, "right"):
			return "RIGHT-OUT", nil
		}
		return "MERGED", nil
	}}
	e, st, _ := newTestExecutor(t, gen)
	steps := []plan.Step{
		{ID: "left", AgentID: "a1", Description: "left half", Status: plan.StepPending},
		{ID: "right", AgentID: "a2", Description: "right half", Status: plan.StepPending},
		{ID: "merge", AgentID: "a1", Description: "merge halves", Status: plan.StepPending,
			DependsOn: []string{"left", "right"}},
	}
	seedPlan(t, st, plan.ModeParallel, steps)

	if err := e.Execute(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := gen.calls()
	if len(calls) != 3 {
		t.Fatalf("got %d generator calls, want 3", len(calls))
	}
	merge := calls[2]
	if !strings.Contains(merge, "merge halves") {
		t.Fatalf("integration step did not run last: %q", merge)
	}
	// A step never starts before its dependencies complete, so both
	// outputs are present in the integration prompt.
	if !strings.Contains(merge, "LEFT-OUT") || !strings.Contains(merge, "RIGHT-OUT") {
		t.Errorf("integration prompt missing dependency outputs: %q", merge)
	}

	p, _ := st.GetPlan(context.Background(), "p1")
	if p.Status != plan.StatusCompleted {
		t.Fatalf("plan status %s, want completed", p.Status)
	}
	if !strings.Contains(p.Output, "LEFT-OUT") || !strings.Contains(p.Output, "MERGED") {
		t.Errorf("parallel output not assembled from all parts: %q", p.Output)
	}
}

func TestExecuteStepFailurePreservesCompletedWork(t *testing.T) {
	gen := &recordingGen{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "second") {
			return "", generator.ErrTimeout
		}
		return "kept output", nil
	}}
	e, st, _ := newTestExecutor(t, gen)
	seedPlan(t, st, plan.ModeSequential, sequentialSteps("a1", "first", "second", "third"))

	err := e.Execute(context.Background(), "p1")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var gf *GeneratorFailure
	if !errors.As(err, &gf) {
		t.Fatalf("error %v is not a GeneratorFailure", err)
	}
	if gf.StepID != "second" {
		t.Errorf("failed step %s, want second", gf.StepID)
	}
	if !errors.Is(err, generator.ErrTimeout) {
		t.Errorf("error %v does not unwrap to ErrTimeout", err)
	}

	p, _ := st.GetPlan(context.Background(), "p1")
	if p.Status != plan.StatusFailed {
		t.Fatalf("plan status %s, want failed", p.Status)
	}
	byID := map[string]plan.Step{}
	for _, s := range p.Steps {
		byID[s.ID] = s
	}
	if s := byID["first"]; s.Status != plan.StepCompleted || s.Output != "kept output" {
		t.Errorf("first step %+v, want completed with output preserved", s)
	}
	if s := byID["second"]; s.Status != plan.StepFailed {
		t.Errorf("second step status %s, want failed", s.Status)
	}
	if s := byID["third"]; s.Status != plan.StepPending {
		t.Errorf("third step status %s, want still pending", s.Status)
	}

	tk, _ := st.GetTask(context.Background(), "t1")
	if tk.Status != task.StatusFailed {
		t.Errorf("task status %s, want failed", tk.Status)
	}

	decs, _ := st.ListDecisions(context.Background(), decision.Filter{Type: decision.TypeStepFailed})
	if len(decs) != 1 {
		t.Fatalf("got %d step_failed decisions, want 1", len(decs))
	}
}

func TestCancelFromPlannedNeverRunsGenerator(t *testing.T) {
	gen := &recordingGen{}
	e, st, _ := newTestExecutor(t, gen)
	seedPlan(t, st, plan.ModeSequential, sequentialSteps("a1", "first", "second"))

	if err := e.Cancel(context.Background(), "p1", "scope changed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(gen.calls()); n != 0 {
		t.Fatalf("generator invoked %d times on a cancelled plan, want 0", n)
	}

	p, _ := st.GetPlan(context.Background(), "p1")
	if p.Status != plan.StatusCancelled {
		t.Fatalf("plan status %s, want cancelled", p.Status)
	}
	for _, s := range p.Steps {
		if s.Status != plan.StepCancelled {
			t.Errorf("step %s status %s, want cancelled", s.ID, s.Status)
		}
	}

	tk, _ := st.GetTask(context.Background(), "t1")
	if tk.Status != task.StatusCancelled {
		t.Errorf("task status %s, want cancelled", tk.Status)
	}

	decs, _ := st.ListDecisions(context.Background(), decision.Filter{Type: decision.TypePlanCancelled})
	if len(decs) != 1 {
		t.Fatalf("got %d plan_cancelled decisions, want 1", len(decs))
	}
	if decs[0].Reasoning != "scope changed" {
		t.Errorf("reasoning %q, want %q", decs[0].Reasoning, "scope changed")
	}

	// A cancelled plan cannot be started.
	if err := e.Execute(context.Background(), "p1"); !errors.Is(err, plan.ErrInvalidTransition) {
		t.Errorf("execute after cancel: got %v, want ErrInvalidTransition", err)
	}
}

func TestPauseSuspendsBetweenSteps(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := &recordingGen{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "first") {
			once.Do(func() { close(started) })
			<-release
			return "first done", nil
		}
		return "second done", nil
	}}
	e, st, _ := newTestExecutor(t, gen)
	seedPlan(t, st, plan.ModeSequential, sequentialSteps("a1", "first", "second"))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Execute(context.Background(), "p1") }()

	<-started
	if err := e.Pause(context.Background(), "p1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("execute: %v", err)
	}

	p, _ := st.GetPlan(context.Background(), "p1")
	if p.Status != plan.StatusPaused {
		t.Fatalf("plan status %s, want paused", p.Status)
	}
	byID := map[string]plan.Step{}
	for _, s := range p.Steps {
		byID[s.ID] = s
	}
	if byID["first"].Status != plan.StepCompleted {
		t.Errorf("in-flight step status %s, want completed", byID["first"].Status)
	}
	if byID["second"].Status != plan.StepPending {
		t.Errorf("second step status %s, want pending while paused", byID["second"].Status)
	}

	// Resuming finishes the remaining steps.
	if err := e.Execute(context.Background(), "p1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	p, _ = st.GetPlan(context.Background(), "p1")
	if p.Status != plan.StatusCompleted {
		t.Fatalf("plan status after resume %s, want completed", p.Status)
	}
}

func TestCancelWhileStepInFlightDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	gen := generator.Func(func(ctx context.Context, prompt string) (string, error) {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
			return "too late", nil
		}
	})
	e, st, _ := newTestExecutor(t, gen)
	seedPlan(t, st, plan.ModeSequential, sequentialSteps("a1", "first", "second"))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Execute(context.Background(), "p1") }()

	<-started
	if err := e.Cancel(context.Background(), "p1", "no longer needed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("execute after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return after cancel")
	}

	p, _ := st.GetPlan(context.Background(), "p1")
	if p.Status != plan.StatusCancelled {
		t.Fatalf("plan status %s, want cancelled", p.Status)
	}
	for _, s := range p.Steps {
		if s.Status != plan.StepCancelled {
			t.Errorf("step %s status %s, want cancelled", s.ID, s.Status)
		}
		if s.Output != "" {
			t.Errorf("cancelled step %s kept output %q", s.ID, s.Output)
		}
	}
}

func TestExecuteActivationTimestamps(t *testing.T) {
	gen := &recordingGen{}
	e, st, _ := newTestExecutor(t, gen)
	seedPlan(t, st, plan.ModeSequential, sequentialSteps("a1", "only"))

	if err := e.Execute(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := st.GetPlan(context.Background(), "p1")
	if p.StartedAt == nil {
		t.Error("plan StartedAt not set")
	}
	if p.CompletedAt == nil {
		t.Error("plan CompletedAt not set")
	}
	tk, _ := st.GetTask(context.Background(), "t1")
	if tk.StartedAt == nil {
		t.Error("task StartedAt not set")
	}
	if tk.CompletedAt == nil {
		t.Error("task CompletedAt not set")
	}
}

func TestExecuteCompletedPlanRejected(t *testing.T) {
	gen := &recordingGen{}
	e, st, _ := newTestExecutor(t, gen)
	seedPlan(t, st, plan.ModeSequential, sequentialSteps("a1", "only"))

	if err := e.Execute(context.Background(), "p1"); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	err := e.Execute(context.Background(), "p1")
	if !errors.Is(err, plan.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestTrackerLoadReleasedAfterExecution(t *testing.T) {
	gen := &recordingGen{}
	e, st, tracker := newTestExecutor(t, gen)
	seedPlan(t, st, plan.ModeSequential, sequentialSteps("a1", "first", "second"))
	tracker.Set("a1", 1) // assignment load

	if err := e.Execute(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tracker.Load("a1"); got != 0 {
		t.Errorf("a1 load %d after completion, want 0", got)
	}
}
