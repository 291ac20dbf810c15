package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/taskweave/internal/agent"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/plan"
	"github.com/nidhogg/taskweave/internal/task"
)

var (
	pgOnce  sync.Once
	pgStore *Postgres
	pgErr   error
)

// testPostgres starts one shared PostgreSQL container for the package,
// skipping when no container runtime is available.
func testPostgres(t *testing.T) *Postgres {
	t.Helper()
	pgOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpg.Run(ctx, "postgres:16-alpine",
			tcpg.WithDatabase("taskweave_test"),
			tcpg.WithUsername("test"),
			tcpg.WithPassword("test"),
			tcpg.BasicWaitStrategies(),
		)
		if err != nil {
			pgErr = err
			return
		}
		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			pgErr = err
			return
		}
		st, err := NewPostgres(ctx, dsn, zap.NewNop())
		if err != nil {
			pgErr = err
			return
		}
		if err := st.Migrate(ctx, "../../migrations"); err != nil {
			pgErr = err
			return
		}
		pgStore = st
	})
	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}
	return pgStore
}

func TestPostgresAgentUpsert(t *testing.T) {
	st := testPostgres(t)
	ctx := context.Background()

	p := &agent.Profile{
		ID:         "pg-a1",
		Name:       "Backend Bot",
		Role:       agent.RoleBackend,
		Keywords:   []agent.Keyword{{Word: "api", Weight: 2}, {Word: "database", Weight: 1}},
		Exclusions: []string{"design"},
		MaxLoad:    5,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := st.SaveAgent(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.GetAgent(ctx, "pg-a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Backend Bot" || len(got.Keywords) != 2 || got.Exclusions[0] != "design" {
		t.Errorf("got %+v", got)
	}

	// Upsert replaces the profile.
	p.Name = "Renamed"
	p.MaxLoad = 9
	if err := st.SaveAgent(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = st.GetAgent(ctx, "pg-a1")
	if got.Name != "Renamed" || got.MaxLoad != 9 {
		t.Errorf("upsert not applied: %+v", got)
	}

	if _, err := st.GetAgent(ctx, "pg-ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPostgresTaskLifecycle(t *testing.T) {
	st := testPostgres(t)
	ctx := context.Background()

	tk := &task.Task{
		ID:        "pg-t1",
		Title:     "Build api",
		Priority:  task.PriorityHigh,
		Status:    task.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := st.UpdateTask(ctx, "pg-t1", func(cur *task.Task) error {
		cur.Status = task.StatusAssigned
		cur.AssignedAgentID = "pg-a1"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != task.StatusAssigned || updated.AssignedAgentID != "pg-a1" {
		t.Errorf("got %+v", updated)
	}

	list, err := st.ListTasks(ctx, TaskFilter{Status: task.StatusAssigned, AgentID: "pg-a1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, item := range list {
		if item.ID == "pg-t1" {
			found = true
		}
	}
	if !found {
		t.Error("assigned task missing from filtered listing")
	}

	// A failing mutate closure leaves the row untouched.
	boom := errors.New("boom")
	if _, err := st.UpdateTask(ctx, "pg-t1", func(cur *task.Task) error {
		cur.Status = task.StatusCancelled
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	cur, _ := st.GetTask(ctx, "pg-t1")
	if cur.Status != task.StatusAssigned {
		t.Errorf("failed update leaked: %s", cur.Status)
	}
}

func TestPostgresPlanRoundTrip(t *testing.T) {
	st := testPostgres(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, &task.Task{
		ID: "pg-t2", Title: "plan owner", Status: task.StatusAssigned, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	p := &plan.Plan{
		ID:     "pg-p1",
		TaskID: "pg-t2",
		Mode:   plan.ModeSequential,
		Status: plan.StatusPlanned,
		Steps: []plan.Step{
			{ID: "pg-s1", AgentID: "a1", Description: "first", Status: plan.StepPending,
				ExpectedTags: []string{"api"}, Estimated: 10 * time.Minute},
			{ID: "pg-s2", AgentID: "a2", Description: "second", Status: plan.StepPending,
				DependsOn: []string{"pg-s1"}, Estimated: 10 * time.Minute},
		},
		Estimated: 20 * time.Minute,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreatePlan(ctx, p); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	got, err := st.GetPlan(ctx, "pg-p1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(got.Steps))
	}
	// Step order survives the round trip.
	if got.Steps[0].ID != "pg-s1" || got.Steps[1].ID != "pg-s2" {
		t.Errorf("step order [%s %s], want [pg-s1 pg-s2]", got.Steps[0].ID, got.Steps[1].ID)
	}
	if got.Steps[1].DependsOn[0] != "pg-s1" {
		t.Errorf("deps %v", got.Steps[1].DependsOn)
	}

	open, err := st.FindOpenPlan(ctx, "pg-t2")
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if open.ID != "pg-p1" {
		t.Errorf("got %s, want pg-p1", open.ID)
	}

	if _, err := st.UpdatePlan(ctx, "pg-p1", func(cur *plan.Plan) error {
		cur.Status = plan.StatusCancelled
		cur.Steps[0].Status = plan.StepCancelled
		cur.Steps[1].Status = plan.StepCancelled
		return nil
	}); err != nil {
		t.Fatalf("update plan: %v", err)
	}

	if _, err := st.FindOpenPlan(ctx, "pg-t2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal plan still reported open: %v", err)
	}
}

func TestPostgresDecisions(t *testing.T) {
	st := testPostgres(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, typ := range []decision.Type{decision.TypeAssignment, decision.TypeRebalance} {
		d := &decision.Decision{
			ID:        "pg-d" + string(rune('1'+i)),
			Type:      typ,
			Context:   map[string]any{"n": float64(i)},
			Reasoning: "because",
			Outcome:   map[string]any{"ok": true},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := st.AppendDecision(ctx, d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	decs, err := st.ListDecisions(ctx, decision.Filter{Type: decision.TypeRebalance, Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(decs) == 0 {
		t.Fatal("no rebalance decisions returned")
	}
	for _, d := range decs {
		if d.Type != decision.TypeRebalance {
			t.Errorf("filtered list returned type %s", d.Type)
		}
	}
	if decs[0].Outcome["ok"] != true {
		t.Errorf("outcome not preserved: %+v", decs[0].Outcome)
	}
}
