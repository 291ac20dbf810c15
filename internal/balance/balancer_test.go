package balance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/taskweave/internal/agent"
	"github.com/nidhogg/taskweave/internal/clock"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/match"
	"github.com/nidhogg/taskweave/internal/store"
	"github.com/nidhogg/taskweave/internal/task"
)

func newTestBalancer(t *testing.T, st *store.Memory) (*Balancer, *Tracker) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tracker := NewTracker()
	log := decision.NewLog(st, clk, zap.NewNop())
	b := New(Config{}, st, tracker, match.New(0), log, zap.NewNop())
	return b, tracker
}

func seedAgents(t *testing.T, st *store.Memory, keyword string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		err := st.SaveAgent(context.Background(), &agent.Profile{
			ID:       id,
			Role:     agent.RoleBackend,
			Keywords: []agent.Keyword{{Word: keyword, Weight: 1}},
			MaxLoad:  20,
		})
		if err != nil {
			t.Fatalf("seed agent %s: %v", id, err)
		}
	}
}

func seedAssignedTasks(t *testing.T, st *store.Memory, agentID string, n int, priority task.Priority) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-task-%d-%d", agentID, priority, i)
		err := st.CreateTask(context.Background(), &task.Task{
			ID:              id,
			Title:           "backend api work",
			Priority:        priority,
			Status:          task.StatusAssigned,
			AssignedAgentID: agentID,
		})
		if err != nil {
			t.Fatalf("seed task: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestRebalanceMovesFromOverloaded(t *testing.T) {
	st := store.NewMemory()
	b, tracker := newTestBalancer(t, st)
	seedAgents(t, st, "backend", "a1", "a2", "a3", "a4", "a5")
	seedAssignedTasks(t, st, "a1", 8, task.PriorityMedium)
	tracker.Set("a1", 8)

	moves, err := b.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// avg 1.6: a1 overloaded, the idle agents underloaded; moves capped
	// at MaxMovesPerAgent.
	if len(moves) != 2 {
		t.Fatalf("got %d moves, want 2", len(moves))
	}
	for _, m := range moves {
		if m.FromAgentID != "a1" {
			t.Errorf("move from %s, want a1", m.FromAgentID)
		}
		if m.ToAgentID == "a1" {
			t.Error("task moved back to the overloaded agent")
		}
		moved, err := st.GetTask(context.Background(), m.TaskID)
		if err != nil {
			t.Fatalf("get moved task: %v", err)
		}
		if moved.AssignedAgentID != m.ToAgentID {
			t.Errorf("task %s assigned to %s, want %s", m.TaskID, moved.AssignedAgentID, m.ToAgentID)
		}
		if moved.Status != task.StatusAssigned {
			t.Errorf("moved task status %s, want assigned", moved.Status)
		}
	}

	// Load conservation: total stays 8.
	var total int
	for _, n := range tracker.Loads() {
		total += n
	}
	if total != 8 {
		t.Errorf("total load %d, want 8", total)
	}
	if got := tracker.Load("a1"); got != 6 {
		t.Errorf("a1 load %d, want 6", got)
	}
}

func TestRebalanceRecordsOneDecision(t *testing.T) {
	st := store.NewMemory()
	b, tracker := newTestBalancer(t, st)
	seedAgents(t, st, "backend", "a1", "a2", "a3")
	seedAssignedTasks(t, st, "a1", 6, task.PriorityMedium)
	tracker.Set("a1", 6)

	if _, err := b.Rebalance(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decs, err := st.ListDecisions(context.Background(), decision.Filter{Type: decision.TypeRebalance})
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decs) != 1 {
		t.Fatalf("got %d rebalance decisions, want 1", len(decs))
	}
	if decs[0].Outcome["reassignments"] == nil {
		t.Error("decision outcome missing reassignments")
	}
}

func TestRebalanceIdempotent(t *testing.T) {
	st := store.NewMemory()
	b, tracker := newTestBalancer(t, st)
	seedAgents(t, st, "backend", "a1", "a2", "a3")
	for _, id := range []string{"a1", "a2", "a3"} {
		tracker.Set(id, 3)
	}

	moves, err := b.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("balanced distribution produced %d moves, want 0", len(moves))
	}

	// A second pass over the same state also changes nothing.
	moves, err = b.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("second invocation produced %d moves, want 0", len(moves))
	}
}

func TestRebalanceRespectsMinScore(t *testing.T) {
	st := store.NewMemory()
	b, tracker := newTestBalancer(t, st)
	// Destinations whose keywords never match the task text.
	seedAgents(t, st, "backend", "a1")
	seedAgents(t, st, "haiku", "a2", "a3")
	seedAssignedTasks(t, st, "a1", 6, task.PriorityMedium)
	tracker.Set("a1", 6)

	moves, err := b.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("moved %d tasks to unqualified agents, want 0", len(moves))
	}
	if got := tracker.Load("a1"); got != 6 {
		t.Errorf("a1 load %d, want unchanged 6", got)
	}
}

func TestRebalancePrefersHighPriority(t *testing.T) {
	st := store.NewMemory()
	b, tracker := newTestBalancer(t, st)
	seedAgents(t, st, "backend", "a1", "a2", "a3")
	lowIDs := seedAssignedTasks(t, st, "a1", 4, task.PriorityLow)
	criticalIDs := seedAssignedTasks(t, st, "a1", 2, task.PriorityCritical)
	tracker.Set("a1", 6)

	moves, err := b.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(moves) != 2 {
		t.Fatalf("got %d moves, want 2", len(moves))
	}
	movedIDs := map[string]bool{}
	for _, m := range moves {
		movedIDs[m.TaskID] = true
	}
	for _, id := range criticalIDs {
		if !movedIDs[id] {
			t.Errorf("critical task %s not moved", id)
		}
	}
	for _, id := range lowIDs {
		if movedIDs[id] {
			t.Errorf("low-priority task %s moved ahead of critical ones", id)
		}
	}
}

func TestRebalanceNoAgents(t *testing.T) {
	st := store.NewMemory()
	b, _ := newTestBalancer(t, st)

	moves, err := b.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("got %d moves, want 0", len(moves))
	}
}
