package match

import (
	"testing"

	"github.com/nidhogg/taskweave/internal/agent"
)

func profile(keywords map[string]float64, exclusions ...string) *agent.Profile {
	p := &agent.Profile{ID: "a1", Role: agent.RoleBackend, Exclusions: exclusions}
	for w, weight := range keywords {
		p.Keywords = append(p.Keywords, agent.Keyword{Word: w, Weight: weight})
	}
	return p
}

func TestScoreBounds(t *testing.T) {
	m := New(0)
	p := profile(map[string]float64{"api": 2, "database": 3, "server": 1})

	texts := []string{
		"",
		"nothing relevant here",
		"build an api over the database on the server",
		"api api api database server server",
	}
	for _, text := range texts {
		score := m.Score(text, p)
		if score < 0 || score > 1 {
			t.Errorf("Score(%q) = %v, want within [0,1]", text, score)
		}
	}
}

func TestScoreEmptyInputs(t *testing.T) {
	m := New(0)

	if got := m.Score("", profile(map[string]float64{"api": 1})); got != 0 {
		t.Errorf("empty text: got %v, want 0", got)
	}
	if got := m.Score("   ", profile(map[string]float64{"api": 1})); got != 0 {
		t.Errorf("whitespace text: got %v, want 0", got)
	}
	if got := m.Score("build an api", profile(nil)); got != 0 {
		t.Errorf("no keywords: got %v, want 0", got)
	}
}

func TestScoreFullMatch(t *testing.T) {
	m := New(0)
	p := profile(map[string]float64{"requirements": 1, "planning": 1, "roadmap": 1})

	got := m.Score("Planning the roadmap requirements for Q3", p)
	if got != 1.0 {
		t.Errorf("got %v, want 1.0", got)
	}
}

func TestScoreWeightedFraction(t *testing.T) {
	m := New(0)
	p := profile(map[string]float64{"api": 3, "database": 1})

	// Only "api" matches: 3 of 4 total weight.
	got := m.Score("design the api surface", p)
	if got != 0.75 {
		t.Errorf("got %v, want 0.75", got)
	}
}

func TestScorePluralFolding(t *testing.T) {
	m := New(0)
	p := profile(map[string]float64{"user story": 1})

	got := m.Score("Write user stories for checkout flow", p)
	if got != 1.0 {
		t.Errorf("got %v, want 1.0 (plural keyword phrase should match)", got)
	}
}

func TestScoreTokenBoundary(t *testing.T) {
	m := New(0)
	p := profile(map[string]float64{"ui": 1})

	// "build" contains "ui" as a substring but not as a token.
	if got := m.Score("build the backend", p); got != 0 {
		t.Errorf("substring inside a word matched: got %v, want 0", got)
	}
	if got := m.Score("polish the UI layer", p); got != 1.0 {
		t.Errorf("whole-token match: got %v, want 1.0", got)
	}
}

func TestScoreExclusionPenalty(t *testing.T) {
	m := New(0.25)
	p := profile(map[string]float64{"api": 1, "database": 1}, "frontend")

	clean := m.Score("api and database work", p)
	penalized := m.Score("api and database work for the frontend", p)

	if clean != 1.0 {
		t.Fatalf("clean score: got %v, want 1.0", clean)
	}
	if penalized != 0.25 {
		t.Errorf("penalized score: got %v, want 0.25", penalized)
	}
}

func TestScoreExclusionAppliedOnce(t *testing.T) {
	m := New(0.5)
	p := profile(map[string]float64{"api": 1}, "frontend", "design")

	// Two exclusion hits still apply the penalty a single time.
	got := m.Score("api for the frontend design", p)
	if got != 0.5 {
		t.Errorf("got %v, want 0.5", got)
	}
}

func TestScoreDeterministic(t *testing.T) {
	m := New(0)
	p := profile(map[string]float64{"api": 1, "server": 2, "endpoint": 0.5}, "ux")
	text := "expose a server endpoint for the ux review api"

	first := m.Score(text, p)
	for i := 0; i < 50; i++ {
		if got := m.Score(text, p); got != first {
			t.Fatalf("iteration %d: got %v, want %v", i, got, first)
		}
	}
}

func TestNewPenaltyFallback(t *testing.T) {
	for _, bad := range []float64{-1, 0, 1.5} {
		m := New(bad)
		if m.penalty != DefaultExclusionPenalty {
			t.Errorf("New(%v): penalty %v, want %v", bad, m.penalty, DefaultExclusionPenalty)
		}
	}
}
