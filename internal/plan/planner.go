package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/taskweave/internal/agent"
	"github.com/nidhogg/taskweave/internal/clock"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/match"
	"github.com/nidhogg/taskweave/internal/task"
)

// ErrNoEligibleAgents indicates no available agent set can satisfy the
// detected collaboration mode.
var ErrNoEligibleAgents = errors.New("no eligible agents for collaboration")

// ErrPlanExists indicates the task already has a non-terminal plan.
var ErrPlanExists = errors.New("task already has an open plan")

// modeSignals maps phrase sets to collaboration modes. Checked in order;
// the first phrase found in the task text wins.
var modeSignals = []struct {
	phrases []string
	mode    Mode
}{
	{[]string{"in parallel", "simultaneously", "at the same time", "concurrently"}, ModeParallel},
	{[]string{"review", "critique", "audit", "feedback on"}, ModeReview},
	{[]string{"iterate", "iterative", "refine", "multiple rounds", "polish"}, ModeIterative},
	{[]string{"step by step", "one after another", "in stages", "pipeline"}, ModeSequential},
}

// complexitySignals map description keywords to duration multipliers.
// Hand-tuned defaults; override via Config.Multipliers.
var complexitySignals = map[string]float64{
	"trivial":  0.5,
	"simple":   0.5,
	"easy":     0.75,
	"moderate": 1.0,
	"complex":  1.5,
	"advanced": 2.0,
	"epic":     2.0,
}

// domainKeywords maps each capability domain (a pipeline role) to the
// keywords that signal it in task text. New domains are added by data,
// not new branches.
var domainKeywords = map[agent.Role][]string{
	agent.RolePlanning:     {"user story", "user stories", "requirements", "planning", "roadmap", "backlog", "scope"},
	agent.RoleDesign:       {"design", "ui", "ux", "wireframe", "mockup", "layout", "prototype"},
	agent.RoleFrontend:     {"frontend", "front-end", "react", "css", "component", "browser", "client-side"},
	agent.RoleBackend:      {"backend", "back-end", "api", "database", "server", "endpoint", "service"},
	agent.RoleVerification: {"test", "tests", "testing", "qa", "verify", "quality", "bug"},
}

// roleAdjacency names the complementary role pulled in when a
// Sequential or Review plan finds only one agent.
var roleAdjacency = map[agent.Role]agent.Role{
	agent.RolePlanning:     agent.RoleDesign,
	agent.RoleDesign:       agent.RoleFrontend,
	agent.RoleFrontend:     agent.RoleBackend,
	agent.RoleBackend:      agent.RoleFrontend,
	agent.RoleVerification: agent.RoleBackend,
}

// roleTags lists the output tags a step owned by each role is expected
// to produce; the executor scores step quality against them.
var roleTags = map[agent.Role][]string{
	agent.RolePlanning:     {"requirements", "scope"},
	agent.RoleDesign:       {"design", "layout"},
	agent.RoleFrontend:     {"component", "interface"},
	agent.RoleBackend:      {"api", "implementation"},
	agent.RoleVerification: {"tests", "coverage"},
}

// Config holds planner tunables.
type Config struct {
	// Iterations is the round count K for iterative plans.
	Iterations int
	// BaseDurations is the per-role base step duration.
	BaseDurations map[agent.Role]time.Duration
	// Multipliers overrides the complexity keyword → multiplier table.
	Multipliers map[string]float64
}

// DefaultConfig returns planner defaults: two iterations and a flat
// base duration of 30 minutes per role.
func DefaultConfig() Config {
	base := make(map[agent.Role]time.Duration, len(agent.PipelineOrder))
	for _, r := range agent.PipelineOrder {
		base[r] = 30 * time.Minute
	}
	return Config{Iterations: 2, BaseDurations: base}
}

// Store is the persistence surface the planner needs.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	FindOpenPlan(ctx context.Context, taskID string) (*Plan, error)
}

// Planner decides collaboration modes, selects agents and compiles
// step DAGs.
type Planner struct {
	cfg     Config
	store   Store
	matcher *match.Matcher
	log     *decision.Log
	clk     clock.Clock
	logger  *zap.Logger
}

// NewPlanner creates a Planner. Zero config fields fall back to defaults.
func NewPlanner(cfg Config, st Store, matcher *match.Matcher, log *decision.Log, clk clock.Clock, logger *zap.Logger) *Planner {
	def := DefaultConfig()
	if cfg.Iterations <= 0 {
		cfg.Iterations = def.Iterations
	}
	if len(cfg.BaseDurations) == 0 {
		cfg.BaseDurations = def.BaseDurations
	}
	if len(cfg.Multipliers) == 0 {
		cfg.Multipliers = complexitySignals
	}
	return &Planner{cfg: cfg, store: st, matcher: matcher, log: log, clk: clk, logger: logger}
}

// DetectMode decides the collaboration mode for a task text, or returns
// ok=false when the task fits a single agent. Detection order: explicit
// phrase signals, complexity keywords, then distinct-domain counting.
func (p *Planner) DetectMode(text string) (Mode, bool) {
	lower := strings.ToLower(text)

	for _, sig := range modeSignals {
		for _, phrase := range sig.phrases {
			if strings.Contains(lower, phrase) {
				return sig.mode, true
			}
		}
	}

	if strings.Contains(lower, "complex") || strings.Contains(lower, "epic") {
		return ModeSequential, true
	}

	switch n := len(p.detectDomains(lower)); {
	case n <= 1:
		return "", false
	case n == 2:
		return ModeParallel, true
	default:
		return ModeSequential, true
	}
}

// detectDomains returns the distinct pipeline domains referenced in the
// lowercased text, in pipeline order.
func (p *Planner) detectDomains(lower string) []agent.Role {
	var found []agent.Role
	for _, role := range agent.PipelineOrder {
		for _, kw := range domainKeywords[role] {
			if strings.Contains(lower, kw) {
				found = append(found, role)
				break
			}
		}
	}
	return found
}

// SelectAgents picks one agent per detected domain, ordered by the
// canonical pipeline. Sequential and Review modes require at least two
// agents; a complementary role from the adjacency table fills the gap.
func (p *Planner) SelectAgents(text string, mode Mode, available []*agent.Profile) ([]*agent.Profile, error) {
	lower := strings.ToLower(text)
	domains := p.detectDomains(lower)
	if len(domains) == 0 {
		domains = []agent.Role{agent.RoleBackend}
	}

	selected := make([]*agent.Profile, 0, len(domains))
	taken := make(map[string]bool)
	for _, role := range domains {
		if a := p.bestForRole(text, role, available, taken); a != nil {
			selected = append(selected, a)
			taken[a.ID] = true
		}
	}

	if (mode == ModeSequential || mode == ModeReview) && len(selected) == 1 {
		complement := roleAdjacency[selected[0].Role]
		if a := p.bestForRole(text, complement, available, taken); a != nil {
			selected = append(selected, a)
			taken[a.ID] = true
		}
	}

	if len(selected) == 0 {
		return nil, ErrNoEligibleAgents
	}
	if (mode == ModeSequential || mode == ModeReview) && len(selected) < 2 {
		return nil, fmt.Errorf("%s mode needs at least 2 agents, found %d: %w", mode, len(selected), ErrNoEligibleAgents)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return agent.PipelineRank(selected[i].Role) < agent.PipelineRank(selected[j].Role)
	})
	return selected, nil
}

// bestForRole returns the highest-scoring untaken agent with the role.
func (p *Planner) bestForRole(text string, role agent.Role, available []*agent.Profile, taken map[string]bool) *agent.Profile {
	var best *agent.Profile
	bestScore := -1.0
	for _, a := range available {
		if a.Role != role || taken[a.ID] {
			continue
		}
		score := p.matcher.Score(text, a)
		if score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best
}

// BuildPlan compiles a collaboration plan for the task, validates its
// step graph and persists it. A cyclic graph aborts before anything is
// stored; a task may hold only one non-terminal plan at a time.
func (p *Planner) BuildPlan(ctx context.Context, t *task.Task, mode Mode, agents []*agent.Profile) (*Plan, error) {
	if len(agents) == 0 {
		return nil, ErrNoEligibleAgents
	}
	if existing, err := p.store.FindOpenPlan(ctx, t.ID); err == nil {
		return nil, fmt.Errorf("plan %s: %w", existing.ID, ErrPlanExists)
	}

	multiplier := p.complexityMultiplier(t.Text())
	var steps []Step
	switch mode {
	case ModeSequential, ModeHandoff:
		steps = p.sequentialSteps(t, agents, multiplier)
	case ModeParallel:
		steps = p.parallelSteps(t, agents, multiplier)
	case ModeReview:
		steps = p.reviewSteps(t, agents, multiplier)
	case ModeIterative:
		steps = p.iterativeSteps(t, agents, multiplier)
	case ModeIndependent:
		steps = p.sequentialSteps(t, agents[:1], multiplier)
	default:
		return nil, fmt.Errorf("unknown collaboration mode %q", mode)
	}

	if err := ValidateGraph(steps); err != nil {
		return nil, fmt.Errorf("build plan for task %s: %w", t.ID, err)
	}

	var estimated time.Duration
	for _, s := range steps {
		estimated += s.Estimated
	}

	pl := &Plan{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		Mode:      mode,
		Steps:     steps,
		Status:    StatusPlanned,
		Estimated: estimated,
		CreatedAt: p.clk.Now(),
	}
	if err := p.store.CreatePlan(ctx, pl); err != nil {
		return nil, fmt.Errorf("persist plan for task %s: %w", t.ID, err)
	}

	agentIDs := make([]string, len(agents))
	for i, a := range agents {
		agentIDs[i] = a.ID
	}
	if _, err := p.log.Record(ctx, decision.TypePlanCreated,
		map[string]any{"task_id": t.ID, "mode": string(mode), "agents": agentIDs},
		fmt.Sprintf("compiled %s plan with %d step(s)", mode, len(steps)),
		map[string]any{"plan_id": pl.ID, "estimated_ms": estimated.Milliseconds()},
	); err != nil {
		return nil, err
	}

	p.logger.Info("plan compiled",
		zap.String("plan", pl.ID),
		zap.String("task", t.ID),
		zap.String("mode", string(mode)),
		zap.Int("steps", len(steps)))
	return pl, nil
}

// sequentialSteps builds one step per agent in pipeline order, each
// depending on the previous.
func (p *Planner) sequentialSteps(t *task.Task, agents []*agent.Profile, multiplier float64) []Step {
	steps := make([]Step, 0, len(agents))
	for i, a := range agents {
		s := p.newStep(t, a, fmt.Sprintf("%s work for: %s", a.Role, t.Title), multiplier)
		if i > 0 {
			s.DependsOn = []string{steps[i-1].ID}
		}
		steps = append(steps, s)
	}
	return steps
}

// parallelSteps builds independent steps plus, for multi-agent plans, a
// final integration step owned by the first agent.
func (p *Planner) parallelSteps(t *task.Task, agents []*agent.Profile, multiplier float64) []Step {
	steps := make([]Step, 0, len(agents)+1)
	for _, a := range agents {
		steps = append(steps, p.newStep(t, a, fmt.Sprintf("%s work for: %s", a.Role, t.Title), multiplier))
	}
	if len(agents) > 1 {
		integration := p.newStep(t, agents[0], fmt.Sprintf("integrate results for: %s", t.Title), multiplier)
		for _, s := range steps {
			integration.DependsOn = append(integration.DependsOn, s.ID)
		}
		integration.ExpectedTags = []string{"integration", "summary"}
		steps = append(steps, integration)
	}
	return steps
}

// reviewSteps builds a primary step, one review step per remaining
// agent depending on the primary, and a final revision step by the
// primary depending on all reviews.
func (p *Planner) reviewSteps(t *task.Task, agents []*agent.Profile, multiplier float64) []Step {
	primary := agents[0]
	steps := []Step{p.newStep(t, primary, fmt.Sprintf("draft for: %s", t.Title), multiplier)}

	var reviewIDs []string
	for _, a := range agents[1:] {
		review := p.newStep(t, a, fmt.Sprintf("review draft for: %s", t.Title), multiplier)
		review.DependsOn = []string{steps[0].ID}
		review.ExpectedTags = []string{"review", "feedback"}
		steps = append(steps, review)
		reviewIDs = append(reviewIDs, review.ID)
	}

	revision := p.newStep(t, primary, fmt.Sprintf("revise per review feedback: %s", t.Title), multiplier)
	revision.DependsOn = reviewIDs
	revision.ExpectedTags = []string{"revision", "final"}
	steps = append(steps, revision)
	return steps
}

// iterativeSteps repeats the agent sequence for the configured round
// count. A step depends on the same agent's step in the previous round,
// or on the prior agent's step within the same round.
func (p *Planner) iterativeSteps(t *task.Task, agents []*agent.Profile, multiplier float64) []Step {
	var steps []Step
	for round := 0; round < p.cfg.Iterations; round++ {
		for j, a := range agents {
			s := p.newStep(t, a, fmt.Sprintf("round %d %s work for: %s", round+1, a.Role, t.Title), multiplier)
			switch {
			case round > 0:
				s.DependsOn = []string{steps[(round-1)*len(agents)+j].ID}
			case j > 0:
				s.DependsOn = []string{steps[j-1].ID}
			}
			steps = append(steps, s)
		}
	}
	return steps
}

func (p *Planner) newStep(t *task.Task, a *agent.Profile, desc string, multiplier float64) Step {
	base := p.cfg.BaseDurations[a.Role]
	if base == 0 {
		base = 30 * time.Minute
	}
	return Step{
		ID:           uuid.New().String(),
		AgentID:      a.ID,
		Description:  desc,
		ExpectedTags: append([]string(nil), roleTags[a.Role]...),
		Status:       StepPending,
		Estimated:    time.Duration(float64(base) * multiplier),
	}
}

// complexityMultiplier parses a duration multiplier from description
// keywords, defaulting to 1.0. When several keywords match, the one
// deviating furthest from 1.0 wins, larger values breaking ties, so the
// result does not depend on map iteration order.
func (p *Planner) complexityMultiplier(text string) float64 {
	lower := strings.ToLower(text)
	multiplier := 1.0
	bestDelta := 0.0
	for kw, m := range p.cfg.Multipliers {
		if !strings.Contains(lower, kw) {
			continue
		}
		delta := m - 1.0
		if delta < 0 {
			delta = -delta
		}
		if delta > bestDelta || (delta == bestDelta && m > multiplier) {
			bestDelta = delta
			multiplier = m
		}
	}
	return multiplier
}
