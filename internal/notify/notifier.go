// Package notify publishes entity state-change events. Delivery is
// best-effort: failures are logged and swallowed, never blocking
// orchestration.
package notify

import (
	"context"
	"time"
)

// EntityKind names the entity a notification is about.
type EntityKind string

const (
	KindTask EntityKind = "task"
	KindPlan EntityKind = "plan"
	KindStep EntityKind = "step"
)

// Event is one state transition of a task, plan or step.
type Event struct {
	Kind      EntityKind `json:"kind"`
	EntityID  string     `json:"entity_id"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to"`
	Detail    string     `json:"detail,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Notifier receives state-change events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards all events.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(ctx context.Context, ev Event) {}
