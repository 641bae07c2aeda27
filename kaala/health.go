package kaala

import (
	"time"

	"github.com/sriinnu/chitragupta/types"
)

// AgentHealth is a read-only snapshot of one agent's standing in the tree.
type AgentHealth struct {
	AgentID       types.AgentId
	ParentID      types.AgentId
	Depth         int
	Status        types.Status
	StuckReason   string
	TokenUsage    int
	TokenBudget   int
	Utilization   float64 // TokenUsage / TokenBudget, 0 when budget is 0
	SinceLastBeat time.Duration
	ChildCount    int
}

// TreeHealth aggregates AgentHealth across the whole tree.
type TreeHealth struct {
	TotalAgents     int
	AliveCount      int
	StaleCount      int
	DeadCount       int
	StuckCount      int
	OverBudgetCount int
	MaxDepthInUse   int
	Agents          []AgentHealth
}

func (m *Manager) agentHealthLocked(id types.AgentId, now time.Time) AgentHealth {
	hb := m.heartbeats[id]
	util := 0.0
	if hb.TokenBudget > 0 {
		util = float64(hb.TokenUsage) / float64(hb.TokenBudget)
	}
	return AgentHealth{
		AgentID:       hb.AgentID,
		ParentID:      hb.ParentID,
		Depth:         hb.Depth,
		Status:        hb.Status,
		StuckReason:   m.stuckReason[id],
		TokenUsage:    hb.TokenUsage,
		TokenBudget:   hb.TokenBudget,
		Utilization:   util,
		SinceLastBeat: now.Sub(hb.LastBeat),
		ChildCount:    len(m.children[id]),
	}
}

// GetAgentHealth returns a point-in-time view of one agent, or false if it
// is not currently tracked.
func (m *Manager) GetAgentHealth(id types.AgentId) (AgentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.heartbeats[id]; !ok {
		return AgentHealth{}, false
	}
	return m.agentHealthLocked(id, m.clock.Now()), true
}

// GetTreeHealth returns a point-in-time view of every tracked agent.
func (m *Manager) GetTreeHealth() TreeHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	health := TreeHealth{Agents: make([]AgentHealth, 0, len(m.heartbeats))}
	for id, hb := range m.heartbeats {
		health.TotalAgents++
		switch hb.Status {
		case types.StatusAlive:
			health.AliveCount++
		case types.StatusStale:
			health.StaleCount++
		case types.StatusDead:
			health.DeadCount++
		}
		if _, stuck := m.stuckReason[id]; stuck {
			health.StuckCount++
		}
		if hb.TokenBudget > 0 && hb.TokenUsage > hb.TokenBudget {
			health.OverBudgetCount++
		}
		if hb.Depth > health.MaxDepthInUse {
			health.MaxDepthInUse = hb.Depth
		}
		health.Agents = append(health.Agents, m.agentHealthLocked(id, now))
	}
	return health
}

// TreeNode is one entry in a Snapshot, carrying the heartbeat plus the ids
// of its direct children so a caller can reconstruct the tree without
// touching Manager internals.
type TreeNode struct {
	Heartbeat types.Heartbeat
	Children  []types.AgentId
}

// Snapshot exports a defensive-copy view of the whole tree, keyed by agent
// id. Supplements spec.md's read APIs with the read-only tree export
// SPEC_FULL.md calls for (dashboards, debugging, tests).
func (m *Manager) Snapshot() map[types.AgentId]TreeNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.AgentId]TreeNode, len(m.heartbeats))
	for id, hb := range m.heartbeats {
		children := append([]types.AgentId(nil), m.children[id]...)
		out[id] = TreeNode{Heartbeat: *hb.Clone(), Children: children}
	}
	return out
}

// BudgetEntry is one agent's token budget standing.
type BudgetEntry struct {
	AgentID     types.AgentId
	TokenUsage  int
	TokenBudget int
	Utilization float64
	OverBudget  bool
}

// BudgetReport summarizes token budget utilization across every live agent.
// Supplements spec.md's budget mechanics with the aggregate view
// SPEC_FULL.md calls for.
type BudgetReport struct {
	TotalBudget     int
	TotalUsage      int
	OverBudgetCount int
	Entries         []BudgetEntry
}

// BudgetReport returns a snapshot of token budget utilization across every
// non-terminal agent.
func (m *Manager) BudgetReport() BudgetReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := BudgetReport{Entries: make([]BudgetEntry, 0, len(m.heartbeats))}
	for id, hb := range m.heartbeats {
		if hb.Status.IsTerminal() {
			continue
		}
		util := 0.0
		if hb.TokenBudget > 0 {
			util = float64(hb.TokenUsage) / float64(hb.TokenBudget)
		}
		over := hb.TokenBudget > 0 && hb.TokenUsage > hb.TokenBudget
		if over {
			report.OverBudgetCount++
		}
		report.TotalBudget += hb.TokenBudget
		report.TotalUsage += hb.TokenUsage
		report.Entries = append(report.Entries, BudgetEntry{
			AgentID:     id,
			TokenUsage:  hb.TokenUsage,
			TokenBudget: hb.TokenBudget,
			Utilization: util,
			OverBudget:  over,
		})
	}
	return report
}
