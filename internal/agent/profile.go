// Package agent defines agent capability profiles used for task matching.
package agent

import "time"

// Role identifies an agent's specialty in the delivery pipeline.
type Role string

const (
	RolePlanning     Role = "planning"
	RoleDesign       Role = "design"
	RoleFrontend     Role = "frontend"
	RoleBackend      Role = "backend"
	RoleVerification Role = "verification"
)

// PipelineOrder is the canonical ordering of roles within a
// collaboration plan: planning → design → frontend → backend → verification.
var PipelineOrder = []Role{
	RolePlanning,
	RoleDesign,
	RoleFrontend,
	RoleBackend,
	RoleVerification,
}

// PipelineRank returns the position of a role in the canonical pipeline,
// or len(PipelineOrder) for unknown roles so they sort last.
func PipelineRank(r Role) int {
	for i, pr := range PipelineOrder {
		if pr == r {
			return i
		}
	}
	return len(PipelineOrder)
}

// Keyword is a single weighted capability keyword. Profiles carry a
// slice rather than a map so matching output stays deterministic.
type Keyword struct {
	Word   string  `json:"word"`
	Weight float64 `json:"weight"`
}

// Profile describes an agent's capabilities for task matching.
type Profile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        Role      `json:"role"`
	Keywords    []Keyword `json:"keywords"`
	Exclusions  []string  `json:"exclusions,omitempty"`
	MaxLoad     int       `json:"max_load"`
	ActiveCount int       `json:"active_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TotalWeight sums the profile's keyword weights.
func (p *Profile) TotalWeight() float64 {
	var total float64
	for _, k := range p.Keywords {
		total += k.Weight
	}
	return total
}
