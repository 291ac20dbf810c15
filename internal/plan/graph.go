package plan

import (
	"errors"
	"fmt"
)

// ErrDependencyCycle indicates a circular step dependency. A plan whose
// graph is cyclic is never persisted.
var ErrDependencyCycle = errors.New("step dependency cycle detected")

// ValidateGraph checks that every step dependency references a known
// step and that the dependency graph is acyclic.
func ValidateGraph(steps []Step) error {
	ids := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		ids[s.ID] = struct{}{}
	}

	edges := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("step %s depends on unknown step %s", s.ID, dep)
			}
			edges[s.ID] = append(edges[s.ID], dep)
		}
	}

	if hasCycle(steps, edges) {
		return ErrDependencyCycle
	}
	return nil
}

// hasCycle runs a depth-first search with coloring to detect back edges.
func hasCycle(steps []Step, edges map[string][]string) bool {
	const (
		white = 0 // unvisited
		gray  = 1 // in progress
		black = 2 // done
	)
	colors := make(map[string]int, len(steps))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range edges[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for _, s := range steps {
		if colors[s.ID] == white && visit(s.ID) {
			return true
		}
	}
	return false
}

// Ready returns the steps eligible to run: Pending steps whose
// dependencies have all Completed. Order follows step creation order.
func Ready(p *Plan) []*Step {
	done := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		done[s.ID] = s.Status == StepCompleted
	}

	var ready []*Step
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status != StepPending {
			continue
		}
		eligible := true
		for _, dep := range s.DependsOn {
			if !done[dep] {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, s)
		}
	}
	return ready
}
