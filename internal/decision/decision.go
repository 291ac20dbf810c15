// Package decision provides the append-only audit trail of
// orchestration-affecting actions.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/taskweave/internal/clock"
)

// Type tags the kind of orchestration action a decision records.
type Type string

const (
	TypeAssignment     Type = "assignment"
	TypeRebalance      Type = "rebalance"
	TypePlanCreated    Type = "plan_created"
	TypePlanCancelled  Type = "plan_cancelled"
	TypeStepFailed     Type = "step_failed"
	TypeManualOverride Type = "manual_override"
)

// Decision is one audit record. It is never mutated or deleted by the
// core; retention is an external concern.
type Decision struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Context   map[string]any `json:"context"`
	Reasoning string         `json:"reasoning"`
	Outcome   map[string]any `json:"outcome"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter selects decisions for a query. Zero Type matches all types.
type Filter struct {
	Type  Type
	Limit int
}

// Store is the persistence the log needs: append and newest-first listing.
type Store interface {
	AppendDecision(ctx context.Context, d *Decision) error
	ListDecisions(ctx context.Context, f Filter) ([]*Decision, error)
}

// Log records and queries decisions.
type Log struct {
	store  Store
	clk    clock.Clock
	logger *zap.Logger
}

// NewLog creates a decision log over the given store.
func NewLog(store Store, clk clock.Clock, logger *zap.Logger) *Log {
	return &Log{store: store, clk: clk, logger: logger}
}

// Record appends one decision and returns it.
func (l *Log) Record(ctx context.Context, typ Type, dctx map[string]any, reasoning string, outcome map[string]any) (*Decision, error) {
	d := &Decision{
		ID:        uuid.New().String(),
		Type:      typ,
		Context:   dctx,
		Reasoning: reasoning,
		Outcome:   outcome,
		CreatedAt: l.clk.Now(),
	}
	if err := l.store.AppendDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("append decision %s: %w", typ, err)
	}
	l.logger.Info("decision recorded",
		zap.String("type", string(typ)),
		zap.String("reasoning", reasoning))
	return d, nil
}

// Query returns decisions newest first, optionally filtered by type.
// A limit ≤ 0 means no limit.
func (l *Log) Query(ctx context.Context, typ Type, limit int) ([]*Decision, error) {
	return l.store.ListDecisions(ctx, Filter{Type: typ, Limit: limit})
}
