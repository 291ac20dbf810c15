// Package capacity supplies execution capacity hints. The orchestration
// core treats hints as read-only integers; where they come from
// (config, hardware telemetry, an operator override) is not its concern.
package capacity

import (
	"context"
	"runtime"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Hint carries the capacity values the executor and balancer consume.
type Hint struct {
	// MaxConcurrency bounds how many parallel-mode steps run at once.
	MaxConcurrency int
	// MaxAgentLoad is the default per-agent concurrent task ceiling.
	MaxAgentLoad int
}

// Source produces the current capacity hint.
type Source interface {
	Hint(ctx context.Context) Hint
}

// Static always returns a fixed hint.
type Static struct {
	hint Hint
}

// NewStatic creates a fixed source, defaulting zero fields to NumCPU
// and a per-agent load of 5.
func NewStatic(h Hint) *Static {
	if h.MaxConcurrency <= 0 {
		h.MaxConcurrency = runtime.NumCPU()
	}
	if h.MaxAgentLoad <= 0 {
		h.MaxAgentLoad = 5
	}
	return &Static{hint: h}
}

// Hint returns the fixed hint.
func (s *Static) Hint(ctx context.Context) Hint { return s.hint }

const (
	keyMaxConcurrency = "taskweave:capacity:max_concurrency"
	keyMaxAgentLoad   = "taskweave:capacity:max_agent_load"
)

// Redis reads live overrides from Redis keys, falling back to a static
// hint when the keys are absent or Redis is unreachable.
type Redis struct {
	rdb      *redis.Client
	fallback Hint
	logger   *zap.Logger
}

// NewRedis creates a Redis-backed source over an existing client.
func NewRedis(rdb *redis.Client, fallback Hint, logger *zap.Logger) *Redis {
	return &Redis{rdb: rdb, fallback: NewStatic(fallback).hint, logger: logger}
}

// Hint returns the current hint, preferring Redis overrides.
func (r *Redis) Hint(ctx context.Context) Hint {
	h := r.fallback
	if v, err := r.rdb.Get(ctx, keyMaxConcurrency).Result(); err == nil {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			h.MaxConcurrency = n
		}
	}
	if v, err := r.rdb.Get(ctx, keyMaxAgentLoad).Result(); err == nil {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			h.MaxAgentLoad = n
		}
	}
	return h
}
