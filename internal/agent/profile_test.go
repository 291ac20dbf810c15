package agent

import "testing"

func TestPipelineRank(t *testing.T) {
	if got := PipelineRank(RolePlanning); got != 0 {
		t.Errorf("planning rank %d, want 0", got)
	}
	if got := PipelineRank(RoleVerification); got != 4 {
		t.Errorf("verification rank %d, want 4", got)
	}
	if got := PipelineRank(Role("janitor")); got != len(PipelineOrder) {
		t.Errorf("unknown role rank %d, want %d", got, len(PipelineOrder))
	}
}

func TestTotalWeight(t *testing.T) {
	p := &Profile{Keywords: []Keyword{{Word: "api", Weight: 2}, {Word: "database", Weight: 1.5}}}
	if got := p.TotalWeight(); got != 3.5 {
		t.Errorf("got %v, want 3.5", got)
	}
	if got := (&Profile{}).TotalWeight(); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}
