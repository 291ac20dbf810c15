// Package balance tracks per-agent workload and rebalances assignments
// across overloaded and underloaded agents.
package balance

import "sync"

// Tracker holds per-agent active-load counters. All increments and
// decrements of a given agent's counter are serialized through one
// mutex so concurrent plans cannot lose updates. Counts never go
// negative.
type Tracker struct {
	mu    sync.Mutex
	loads map[string]int
}

// NewTracker creates an empty load tracker.
func NewTracker() *Tracker {
	return &Tracker{loads: make(map[string]int)}
}

// Incr adds one active task to the agent's load.
func (t *Tracker) Incr(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loads[agentID]++
}

// Decr removes one active task from the agent's load, clamping at zero.
func (t *Tracker) Decr(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loads[agentID] > 0 {
		t.loads[agentID]--
	}
}

// Load returns the agent's current active load.
func (t *Tracker) Load(agentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loads[agentID]
}

// Loads returns a snapshot of all tracked loads.
func (t *Tracker) Loads() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make(map[string]int, len(t.loads))
	for id, n := range t.loads {
		snapshot[id] = n
	}
	return snapshot
}

// Set overrides the agent's load; used when hydrating from the store.
func (t *Tracker) Set(agentID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 {
		n = 0
	}
	t.loads[agentID] = n
}
