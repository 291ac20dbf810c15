// Package plan defines collaboration plans — multi-agent step DAGs —
// and the planner that builds them from task text.
package plan

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition indicates a plan state change outside the
// machine's legal edges.
var ErrInvalidTransition = errors.New("invalid plan transition")

// Mode is the execution topology of a collaboration plan.
type Mode string

const (
	ModeIndependent Mode = "independent"
	ModeSequential  Mode = "sequential"
	ModeParallel    Mode = "parallel"
	ModeReview      Mode = "review"
	ModeIterative   Mode = "iterative"
	ModeHandoff     Mode = "handoff"
)

// Status represents the state of a collaboration plan.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions defines allowed plan state transitions. Completed,
// Failed and Cancelled are terminal; Active and Paused may alternate.
var validTransitions = map[Status][]Status{
	StatusPlanned: {StatusActive, StatusCancelled},
	StatusActive:  {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusActive, StatusCancelled},
}

// Transition returns nil if from→to is a legal plan transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q: %w", from, ErrInvalidTransition)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%q → %q: %w", from, to, ErrInvalidTransition)
}

// StepStatus represents the state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepCancelled  StepStatus = "cancelled"
)

// Step is one unit of work within a plan, owned by exactly one agent.
// DependsOn may reference only earlier-created steps.
type Step struct {
	ID           string        `json:"id"`
	AgentID      string        `json:"agent_id"`
	Description  string        `json:"description"`
	DependsOn    []string      `json:"depends_on,omitempty"`
	ExpectedTags []string      `json:"expected_tags,omitempty"`
	Status       StepStatus    `json:"status"`
	Output       string        `json:"output,omitempty"`
	Quality      float64       `json:"quality"`
	Estimated    time.Duration `json:"estimated"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Plan is a compiled multi-agent collaboration with dependency-ordered
// steps. A task has at most one non-terminal plan at a time.
type Plan struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	Mode        Mode          `json:"mode"`
	Steps       []Step        `json:"steps"`
	Status      Status        `json:"status"`
	Estimated   time.Duration `json:"estimated"`
	Output      string        `json:"output,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Terminal reports whether the plan is in a terminal status.
func (p *Plan) Terminal() bool {
	switch p.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepByID returns a pointer to the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}
