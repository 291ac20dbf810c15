package balance

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/nidhogg/taskweave/internal/agent"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/match"
	"github.com/nidhogg/taskweave/internal/store"
	"github.com/nidhogg/taskweave/internal/task"
)

// Config holds the rebalancing thresholds. All values are tunables
// with defaults, not derived constants.
type Config struct {
	// OverloadFactor marks agents with load > avg*factor as overloaded.
	OverloadFactor float64
	// UnderloadFactor marks agents with load < avg*factor as underloaded.
	UnderloadFactor float64
	// MinScore is the minimum match confidence a destination agent must
	// reach for a task to move to it.
	MinScore float64
	// MaxMovesPerAgent caps how many tasks leave one overloaded agent
	// per invocation.
	MaxMovesPerAgent int
	// TopOverloaded caps how many overloaded agents are processed,
	// highest load first.
	TopOverloaded int
}

// DefaultConfig returns the default rebalancing thresholds.
func DefaultConfig() Config {
	return Config{
		OverloadFactor:   1.5,
		UnderloadFactor:  0.5,
		MinScore:         0.3,
		MaxMovesPerAgent: 2,
		TopOverloaded:    3,
	}
}

// Reassignment records one task moved between agents.
type Reassignment struct {
	TaskID      string  `json:"task_id"`
	FromAgentID string  `json:"from_agent_id"`
	ToAgentID   string  `json:"to_agent_id"`
	Score       float64 `json:"score"`
}

// Store is the persistence surface the balancer needs.
type Store interface {
	ListAgents(ctx context.Context) ([]*agent.Profile, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]*task.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error)
}

// Balancer moves pending tasks from overloaded agents to underloaded
// agents that can credibly handle them.
type Balancer struct {
	cfg     Config
	store   Store
	tracker *Tracker
	matcher *match.Matcher
	log     *decision.Log
	logger  *zap.Logger
}

// New creates a Balancer. Zero config fields fall back to defaults.
func New(cfg Config, st Store, tracker *Tracker, matcher *match.Matcher, log *decision.Log, logger *zap.Logger) *Balancer {
	def := DefaultConfig()
	if cfg.OverloadFactor <= 0 {
		cfg.OverloadFactor = def.OverloadFactor
	}
	if cfg.UnderloadFactor <= 0 {
		cfg.UnderloadFactor = def.UnderloadFactor
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.MaxMovesPerAgent <= 0 {
		cfg.MaxMovesPerAgent = def.MaxMovesPerAgent
	}
	if cfg.TopOverloaded <= 0 {
		cfg.TopOverloaded = def.TopOverloaded
	}
	return &Balancer{cfg: cfg, store: st, tracker: tracker, matcher: matcher, log: log, logger: logger}
}

// Tracker exposes the balancer's load tracker.
func (b *Balancer) Tracker() *Tracker { return b.tracker }

// Loads returns the current per-agent active loads.
func (b *Balancer) Loads() map[string]int { return b.tracker.Loads() }

// Rebalance computes over/underloaded agents and moves assigned-but-not-
// started tasks from the former to the latter. Invoking it again on an
// already-balanced distribution produces zero reassignments.
func (b *Balancer) Rebalance(ctx context.Context) ([]Reassignment, error) {
	agents, err := b.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebalance: %w", err)
	}
	if len(agents) == 0 {
		return nil, nil
	}

	byID := make(map[string]*agent.Profile, len(agents))
	loads := make(map[string]int, len(agents))
	var total int
	for _, a := range agents {
		byID[a.ID] = a
		loads[a.ID] = b.tracker.Load(a.ID)
		total += loads[a.ID]
	}
	avg := float64(total) / float64(len(agents))
	before := snapshot(loads)

	var overloaded, underloaded []string
	for _, a := range agents {
		switch {
		case float64(loads[a.ID]) > avg*b.cfg.OverloadFactor:
			overloaded = append(overloaded, a.ID)
		case float64(loads[a.ID]) < avg*b.cfg.UnderloadFactor:
			underloaded = append(underloaded, a.ID)
		}
	}
	sort.Slice(overloaded, func(i, j int) bool {
		return loads[overloaded[i]] > loads[overloaded[j]]
	})
	if len(overloaded) > b.cfg.TopOverloaded {
		overloaded = overloaded[:b.cfg.TopOverloaded]
	}

	var moves []Reassignment
	for _, src := range overloaded {
		candidates, err := b.store.ListTasks(ctx, store.TaskFilter{
			Status:         task.StatusAssigned,
			AgentID:        src,
			ByPriorityDesc: true,
			Limit:          b.cfg.MaxMovesPerAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("rebalance list tasks for %s: %w", src, err)
		}

		for _, t := range candidates {
			dst, score := b.bestDestination(t, underloaded, byID, loads)
			if dst == "" {
				continue
			}
			if _, err := b.store.UpdateTask(ctx, t.ID, func(cur *task.Task) error {
				cur.AssignedAgentID = dst
				return nil
			}); err != nil {
				return nil, fmt.Errorf("rebalance move task %s: %w", t.ID, err)
			}
			b.tracker.Decr(src)
			b.tracker.Incr(dst)
			loads[src]--
			loads[dst]++
			moves = append(moves, Reassignment{
				TaskID:      t.ID,
				FromAgentID: src,
				ToAgentID:   dst,
				Score:       score,
			})
			b.logger.Info("task reassigned",
				zap.String("task", t.ID),
				zap.String("from", src),
				zap.String("to", dst),
				zap.Float64("score", score))
		}
	}

	if _, err := b.log.Record(ctx, decision.TypeRebalance,
		map[string]any{"loads_before": before, "avg": avg},
		fmt.Sprintf("rebalanced %d task(s) across %d agent(s)", len(moves), len(agents)),
		map[string]any{"loads_after": snapshot(loads), "reassignments": moves},
	); err != nil {
		return nil, err
	}
	return moves, nil
}

// bestDestination picks the underloaded agent with the highest match
// score for the task, subject to the minimum score and the destination's
// own load ceiling.
func (b *Balancer) bestDestination(t *task.Task, underloaded []string, byID map[string]*agent.Profile, loads map[string]int) (string, float64) {
	var best string
	var bestScore float64
	for _, id := range underloaded {
		p := byID[id]
		if p == nil || id == t.AssignedAgentID {
			continue
		}
		if p.MaxLoad > 0 && loads[id] >= p.MaxLoad {
			continue
		}
		score := b.matcher.Score(t.Text(), p)
		if score < b.cfg.MinScore {
			continue
		}
		if score > bestScore {
			best = id
			bestScore = score
		}
	}
	return best, bestScore
}

func snapshot(loads map[string]int) map[string]any {
	out := make(map[string]any, len(loads))
	for id, n := range loads {
		out[id] = n
	}
	return out
}
