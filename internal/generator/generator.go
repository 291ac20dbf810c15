// Package generator wraps the external text-generation service invoked
// per plan step. The core treats any generator error as a step failure
// and performs no retries; retry policy, if wanted, belongs to a
// wrapper around the Generator, not to the orchestration core.
package generator

import (
	"context"
	"errors"
)

// Typed failures a Generate call can surface.
var (
	ErrTimeout       = errors.New("generator timeout")
	ErrConnection    = errors.New("generator connection failed")
	ErrEmptyResponse = errors.New("generator returned empty response")
)

// Generator produces text for a composed prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to the Generator interface; handy in tests.
type Func func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
