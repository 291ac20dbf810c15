// Package config loads the JSON configuration file with environment
// variable substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/nidhogg/taskweave/internal/agent"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Generator    GeneratorConfig    `json:"generator"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Agents       []AgentConfig      `json:"agents"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type GeneratorConfig struct {
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Timeout returns the generator call timeout.
func (g GeneratorConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// OrchestratorConfig carries the engine tunables. All are defaults
// subject to operator adjustment, not fixed behavior.
type OrchestratorConfig struct {
	MinScore         float64 `json:"min_score,omitempty"`
	ExclusionPenalty float64 `json:"exclusion_penalty,omitempty"`
	MaxConcurrency   int     `json:"max_concurrency,omitempty"`
	MaxAgentLoad     int     `json:"max_agent_load,omitempty"`

	OverloadFactor   float64 `json:"overload_factor,omitempty"`
	UnderloadFactor  float64 `json:"underload_factor,omitempty"`
	MaxMovesPerAgent int     `json:"max_moves_per_agent,omitempty"`
	TopOverloaded    int     `json:"top_overloaded,omitempty"`

	Iterations          int                `json:"iterations,omitempty"`
	BaseDurationMinutes map[string]int     `json:"base_duration_minutes,omitempty"`
	Multipliers         map[string]float64 `json:"complexity_multipliers,omitempty"`
}

// BaseDurations converts the per-role base minutes to durations.
func (o OrchestratorConfig) BaseDurations() map[agent.Role]time.Duration {
	if len(o.BaseDurationMinutes) == 0 {
		return nil
	}
	out := make(map[agent.Role]time.Duration, len(o.BaseDurationMinutes))
	for role, minutes := range o.BaseDurationMinutes {
		out[agent.Role(role)] = time.Duration(minutes) * time.Minute
	}
	return out
}

// AgentConfig declares one agent profile bootstrapped at startup.
type AgentConfig struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Role       string             `json:"role"`
	Keywords   map[string]float64 `json:"keywords"`
	Exclusions []string           `json:"exclusions,omitempty"`
	MaxLoad    int                `json:"max_load,omitempty"`
}

// Profile converts the config entry to an agent profile. Keywords are
// emitted in sorted order so profiles are deterministic.
func (a AgentConfig) Profile() *agent.Profile {
	p := &agent.Profile{
		ID:         a.ID,
		Name:       a.Name,
		Role:       agent.Role(a.Role),
		Exclusions: append([]string(nil), a.Exclusions...),
		MaxLoad:    a.MaxLoad,
	}
	words := make([]string, 0, len(a.Keywords))
	for w := range a.Keywords {
		words = append(words, w)
	}
	sort.Strings(words)
	for _, w := range words {
		p.Keywords = append(p.Keywords, agent.Keyword{Word: w, Weight: a.Keywords[w]})
	}
	return p
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
