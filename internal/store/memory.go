package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/taskweave/internal/agent"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/plan"
	"github.com/nidhogg/taskweave/internal/task"
)

// Memory is an in-memory Store. A single mutex serializes all writes,
// so per-entity update closures never observe write contention.
type Memory struct {
	mu        sync.RWMutex
	agents    map[string]*agent.Profile
	tasks     map[string]*task.Task
	taskOrder []string
	plans     map[string]*plan.Plan
	decisions []*decision.Decision
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents: make(map[string]*agent.Profile),
		tasks:  make(map[string]*task.Task),
		plans:  make(map[string]*plan.Plan),
	}
}

// SaveAgent upserts an agent profile.
func (m *Memory) SaveAgent(ctx context.Context, p *agent.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[p.ID] = cloneAgent(p)
	return nil
}

// GetAgent retrieves a single agent by id.
func (m *Memory) GetAgent(ctx context.Context, id string) (*agent.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return cloneAgent(p), nil
}

// ListAgents returns all agents sorted by id.
func (m *Memory) ListAgents(ctx context.Context) ([]*agent.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*agent.Profile, 0, len(m.agents))
	for _, p := range m.agents {
		out = append(out, cloneAgent(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateTask inserts a new task.
func (m *Memory) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = cloneTask(t)
	m.taskOrder = append(m.taskOrder, t.ID)
	return nil
}

// GetTask retrieves a single task by id.
func (m *Memory) GetTask(ctx context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return cloneTask(t), nil
}

// UpdateTask applies fn to the task under the store lock.
func (m *Memory) UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	copied := cloneTask(t)
	if err := fn(copied); err != nil {
		return nil, err
	}
	m.tasks[id] = copied
	return cloneTask(copied), nil
}

// ListTasks returns tasks matching the filter in creation order, or by
// priority descending when requested.
func (m *Memory) ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*task.Task
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AgentID != "" && t.AssignedAgentID != f.AgentID {
			continue
		}
		out = append(out, cloneTask(t))
	}
	if f.ByPriorityDesc {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CreatePlan inserts a plan with its steps.
func (m *Memory) CreatePlan(ctx context.Context, p *plan.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.ID]; ok {
		return fmt.Errorf("plan %s already exists", p.ID)
	}
	m.plans[p.ID] = clonePlan(p)
	return nil
}

// GetPlan retrieves a single plan by id.
func (m *Memory) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return clonePlan(p), nil
}

// UpdatePlan applies fn to the plan under the store lock.
func (m *Memory) UpdatePlan(ctx context.Context, id string, fn func(*plan.Plan) error) (*plan.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	copied := clonePlan(p)
	if err := fn(copied); err != nil {
		return nil, err
	}
	m.plans[id] = copied
	return clonePlan(copied), nil
}

// FindOpenPlan returns the task's non-terminal plan, or ErrNotFound.
func (m *Memory) FindOpenPlan(ctx context.Context, taskID string) (*plan.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.plans {
		if p.TaskID == taskID && !p.Terminal() {
			return clonePlan(p), nil
		}
	}
	return nil, fmt.Errorf("open plan for task %s: %w", taskID, ErrNotFound)
}

// AppendDecision appends one decision record.
func (m *Memory) AppendDecision(ctx context.Context, d *decision.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, cloneDecision(d))
	return nil
}

// ListDecisions returns decisions newest first, optionally filtered by type.
func (m *Memory) ListDecisions(ctx context.Context, f decision.Filter) ([]*decision.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*decision.Decision
	for i := len(m.decisions) - 1; i >= 0; i-- {
		d := m.decisions[i]
		if f.Type != "" && d.Type != f.Type {
			continue
		}
		out = append(out, cloneDecision(d))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func cloneAgent(p *agent.Profile) *agent.Profile {
	c := *p
	c.Keywords = append([]agent.Keyword(nil), p.Keywords...)
	c.Exclusions = append([]string(nil), p.Exclusions...)
	return &c
}

func cloneTask(t *task.Task) *task.Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	return &c
}

func clonePlan(p *plan.Plan) *plan.Plan {
	c := *p
	c.Steps = make([]plan.Step, len(p.Steps))
	for i, s := range p.Steps {
		cs := s
		cs.DependsOn = append([]string(nil), s.DependsOn...)
		cs.ExpectedTags = append([]string(nil), s.ExpectedTags...)
		c.Steps[i] = cs
	}
	return &c
}

func cloneDecision(d *decision.Decision) *decision.Decision {
	c := *d
	c.Context = cloneMap(d.Context)
	c.Outcome = cloneMap(d.Outcome)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
