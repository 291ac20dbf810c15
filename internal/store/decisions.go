package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/taskweave/internal/decision"
)

// AppendDecision inserts one decision record. Decisions are append-only:
// no update or delete path exists.
func (s *Postgres) AppendDecision(ctx context.Context, d *decision.Decision) error {
	dctx, _ := json.Marshal(d.Context)
	outcome, _ := json.Marshal(d.Outcome)
	_, err := s.db.Exec(ctx, `
		INSERT INTO decisions (id, type, context, reasoning, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, string(d.Type), dctx, d.Reasoning, outcome, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append decision %s: %w", d.ID, err)
	}
	return nil
}

// ListDecisions returns decisions newest first, optionally filtered by type.
func (s *Postgres) ListDecisions(ctx context.Context, f decision.Filter) ([]*decision.Decision, error) {
	query := `SELECT id, type, context, reasoning, outcome, created_at FROM decisions`
	var args []any
	if f.Type != "" {
		args = append(args, string(f.Type))
		query += " WHERE type = $1"
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*decision.Decision
	for rows.Next() {
		var d decision.Decision
		var typ string
		var dctx, outcome []byte
		if err := rows.Scan(&d.ID, &typ, &dctx, &d.Reasoning, &outcome, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Type = decision.Type(typ)
		_ = json.Unmarshal(dctx, &d.Context)
		_ = json.Unmarshal(outcome, &d.Outcome)
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}
