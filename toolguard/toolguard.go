// Package toolguard implements the per-tool consecutive/total failure
// tracker with disable/re-enable (C3, spec.md §3-4.3). Grounded on the
// teacher's resilience.CircuitBreaker state machine, simplified to the two
// states spec.md names (enabled/disabled — no half-open probe, since the
// spec's re-enable rule is "first success after disabled re-enables
// unconditionally", not a probe-and-compare).
package toolguard

import (
	"sync"
	"time"

	"github.com/sriinnu/chitragupta/clock"
	"github.com/sriinnu/chitragupta/types"
)

// Transition describes a state change the caller should turn into an
// autonomy:tool_disabled / autonomy:tool_reenabled event.
type Transition int

const (
	NoTransition Transition = iota
	Disabled
	Reenabled
)

// Guard tracks failure state per tool name.
type Guard struct {
	mu        sync.Mutex
	clock     clock.Clock
	threshold int
	trackers  map[string]*types.ToolFailureTracker
}

// New returns a Guard that disables a tool after threshold consecutive
// failures.
func New(threshold int, c clock.Clock) *Guard {
	if threshold < 1 {
		threshold = 1
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Guard{threshold: threshold, clock: c, trackers: make(map[string]*types.ToolFailureTracker)}
}

func (g *Guard) entry(tool string) *types.ToolFailureTracker {
	t, ok := g.trackers[tool]
	if !ok {
		t = &types.ToolFailureTracker{}
		g.trackers[tool] = t
	}
	return t
}

// RecordSuccess applies the success transitions from spec.md §4.3's tool
// disable/re-enable state machine and returns the resulting Transition.
func (g *Guard) RecordSuccess(tool string) Transition {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.entry(tool)
	wasDisabled := t.Disabled

	t.ConsecutiveFailures = 0
	if wasDisabled {
		t.Disabled = false
		t.DisabledAt = time.Time{}
		return Reenabled
	}
	return NoTransition
}

// RecordFailure applies the failure transitions and returns the resulting
// Transition (Disabled the instant consecutive failures cross threshold).
func (g *Guard) RecordFailure(tool string) Transition {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.entry(tool)
	t.ConsecutiveFailures++
	t.TotalFailures++

	if !t.Disabled && t.ConsecutiveFailures >= g.threshold {
		t.Disabled = true
		t.DisabledAt = g.clock.Now()
		return Disabled
	}
	return NoTransition
}

// IsDisabled reports whether tool is currently disabled.
func (g *Guard) IsDisabled(tool string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.trackers[tool]
	return ok && t.Disabled
}

// Snapshot returns a copy of the tracker for tool, or the zero tracker if
// it has never been recorded.
func (g *Guard) Snapshot(tool string) types.ToolFailureTracker {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.trackers[tool]
	if !ok {
		return types.ToolFailureTracker{}
	}
	return *t
}

// All returns a copy of every tracked tool's state, keyed by tool name.
func (g *Guard) All() map[string]types.ToolFailureTracker {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]types.ToolFailureTracker, len(g.trackers))
	for name, t := range g.trackers {
		out[name] = *t
	}
	return out
}
