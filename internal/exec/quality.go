package exec

import (
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/taskweave/internal/plan"
)

// ScoreOutput rates a step's output in [0,1]: substance (+0.3 for more
// than 100 characters), structure (+0.2 for headers, bullets or
// numbered lists) and coverage (up to +0.5 for the fraction of expected
// tags present; an empty tag list awards the full 0.5).
func ScoreOutput(output string, expectedTags []string) float64 {
	var score float64
	if len(output) > 100 {
		score += 0.3
	}
	if hasStructure(output) {
		score += 0.2
	}

	if len(expectedTags) == 0 {
		score += 0.5
	} else {
		lower := strings.ToLower(output)
		var hit int
		for _, tag := range expectedTags {
			if strings.Contains(lower, strings.ToLower(tag)) {
				hit++
			}
		}
		score += 0.5 * float64(hit) / float64(len(expectedTags))
	}

	if score > 1 {
		score = 1
	}
	return score
}

// hasStructure detects markdown-ish structural markers: headers,
// bullets or numbered list items at line starts.
func hasStructure(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") ||
			strings.HasPrefix(trimmed, "- ") ||
			strings.HasPrefix(trimmed, "* ") {
			return true
		}
		if len(trimmed) > 1 && trimmed[0] >= '0' && trimmed[0] <= '9' &&
			(trimmed[1] == '.' || trimmed[1] == ')') {
			return true
		}
	}
	return false
}

// CompileBody assembles the plan's final output from its completed
// steps. Deterministic: identical (mode, ordered outputs) inputs always
// produce identical text.
func CompileBody(mode plan.Mode, steps []plan.Step) string {
	if len(steps) == 0 {
		return ""
	}
	switch mode {
	case plan.ModeParallel:
		var parts []string
		for _, s := range steps {
			if len(s.DependsOn) > 0 {
				// integration step joins at the end
				continue
			}
			parts = append(parts, s.Output)
		}
		last := steps[len(steps)-1]
		if len(last.DependsOn) > 0 {
			parts = append(parts, last.Output)
		}
		return strings.Join(parts, "\n\n---\n\n")
	default:
		// Sequential, Iterative, Review and Handoff all end on the step
		// that subsumes its predecessors' work.
		return steps[len(steps)-1].Output
	}
}

// MetricsBlock renders the execution metrics appended to compiled
// output: total duration, average step quality and schedule efficiency
// (estimated/actual, capped at 200%).
func MetricsBlock(estimated, actual time.Duration, avgQuality float64) string {
	efficiency := 100.0
	if actual > 0 {
		efficiency = float64(estimated) / float64(actual) * 100
		if efficiency > 200 {
			efficiency = 200
		}
	}
	return fmt.Sprintf(
		"\n\n---\nduration: %s | avg quality: %.2f | efficiency: %.0f%%",
		actual.Round(time.Millisecond), avgQuality, efficiency)
}
