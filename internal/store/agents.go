package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/taskweave/internal/agent"
)

// SaveAgent upserts an agent profile.
func (s *Postgres) SaveAgent(ctx context.Context, p *agent.Profile) error {
	keywords, _ := json.Marshal(p.Keywords)
	exclusions, _ := json.Marshal(p.Exclusions)
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, role, keywords, exclusions, max_load, active_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			keywords = EXCLUDED.keywords,
			exclusions = EXCLUDED.exclusions,
			max_load = EXCLUDED.max_load,
			active_count = EXCLUDED.active_count,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, string(p.Role), keywords, exclusions,
		p.MaxLoad, p.ActiveCount, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", p.ID, err)
	}
	return nil
}

// GetAgent retrieves a single agent by id.
func (s *Postgres) GetAgent(ctx context.Context, id string) (*agent.Profile, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, role, keywords, exclusions, max_load, active_count, created_at, updated_at
		FROM agents WHERE id = $1`, id)
	p, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return p, nil
}

// ListAgents returns all agents ordered by id.
func (s *Postgres) ListAgents(ctx context.Context) ([]*agent.Profile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, role, keywords, exclusions, max_load, active_count, created_at, updated_at
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*agent.Profile
	for rows.Next() {
		p, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, p)
	}
	return agents, rows.Err()
}

func scanAgent(row pgx.Row) (*agent.Profile, error) {
	var p agent.Profile
	var role string
	var keywords, exclusions []byte
	err := row.Scan(&p.ID, &p.Name, &role, &keywords, &exclusions,
		&p.MaxLoad, &p.ActiveCount, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Role = agent.Role(role)
	_ = json.Unmarshal(keywords, &p.Keywords)
	_ = json.Unmarshal(exclusions, &p.Exclusions)
	return &p, nil
}
