package kaala

import (
	"context"
	"sort"
	"time"

	"github.com/sriinnu/chitragupta/types"
)

// HealReport is healTree's return value.
type HealReport struct {
	ReapedCount      int
	KilledStaleCount int
	OrphansHandled   int
	OverBudgetKilled int
	Timestamp        time.Time
}

// HealTree runs one sweep: promote by time threshold, cascade-kill dead
// branches, reap terminal heartbeats, apply the orphan policy, and kill
// any alive agent over its token budget. Spec.md §4.4 step order is
// preserved exactly.
func (m *Manager) HealTree(ctx context.Context) HealReport {
	m.mu.Lock()

	now := m.clock.Now()
	report := HealReport{Timestamp: now}

	if m.disposed {
		m.mu.Unlock()
		return report
	}

	// 1. promote alive->stale->dead by timestamp.
	for _, hb := range m.heartbeats {
		if hb.Status != types.StatusAlive && hb.Status != types.StatusStale {
			continue
		}
		elapsed := now.Sub(hb.LastBeat)
		switch hb.Status {
		case types.StatusAlive:
			if elapsed >= m.cfg.DeadThreshold {
				m.setStatus(hb, types.StatusDead)
			} else if elapsed >= m.cfg.StaleThreshold {
				m.setStatus(hb, types.StatusStale)
			}
		case types.StatusStale:
			if elapsed >= m.cfg.DeadThreshold {
				m.setStatus(hb, types.StatusDead)
			}
		}
	}

	// 2. cascade-kill descendants of every dead agent, bottom-up, no
	// ancestor check (the branch is already condemned).
	var toPersist []*types.Heartbeat
	for id, hb := range m.heartbeats {
		if hb.Status != types.StatusDead {
			continue
		}
		outcome := m.killSubtreeLocked(id)
		report.KilledStaleCount += outcome.CascadeCount
		toPersist = append(toPersist, outcome.persisted...)
		if outcome.CascadeCount > 0 && m.tel != nil {
			m.tel.RecordKillCascade(ctx, outcome.CascadeCount, "dead_branch")
		}
	}

	// 3. reap terminal heartbeats.
	for id, hb := range m.heartbeats {
		if hb.Status.IsTerminal() {
			m.removeHeartbeatLocked(id)
			report.ReapedCount++
		}
	}

	// 4. orphan policy for any remaining heartbeat whose parent no longer
	// resolves.
	report.OrphansHandled += m.applyOrphanPolicyLocked(ctx, &toPersist)

	// 5. kill any alive agent over budget.
	for id, hb := range m.heartbeats {
		if hb.Status == types.StatusAlive && hb.TokenUsage > hb.TokenBudget {
			outcome := m.killSubtreeLocked(id)
			report.OverBudgetKilled += outcome.CascadeCount
			toPersist = append(toPersist, outcome.persisted...)
			if outcome.CascadeCount > 0 && m.tel != nil {
				m.tel.RecordKillCascade(ctx, outcome.CascadeCount, "over_budget")
			}
		}
	}

	m.mu.Unlock()

	for _, hb := range toPersist {
		m.persist(ctx, hb)
	}
	return report
}

// removeHeartbeatLocked deletes id from the map and its parent's children
// index. Must be called with m.mu held.
func (m *Manager) removeHeartbeatLocked(id types.AgentId) {
	hb, ok := m.heartbeats[id]
	if !ok {
		return
	}
	delete(m.heartbeats, id)
	delete(m.children, id)
	delete(m.stuckReason, id)
	siblings := m.children[hb.ParentID]
	for i, s := range siblings {
		if s == id {
			m.children[hb.ParentID] = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
}

// applyOrphanPolicyLocked handles heartbeats whose declared parent no
// longer resolves, per the configured policy. Must be called with m.mu
// held.
func (m *Manager) applyOrphanPolicyLocked(ctx context.Context, toPersist *[]*types.Heartbeat) int {
	orphansByMissingParent := make(map[types.AgentId][]types.AgentId)
	for id, hb := range m.heartbeats {
		if !hb.HasParent() {
			continue
		}
		if _, ok := m.heartbeats[hb.ParentID]; ok {
			continue
		}
		orphansByMissingParent[hb.ParentID] = append(orphansByMissingParent[hb.ParentID], id)
	}
	if len(orphansByMissingParent) == 0 {
		return 0
	}

	handled := 0
	for missingParent, orphanIDs := range orphansByMissingParent {
		switch m.cfg.OrphanPolicy {
		case "reparent":
			for _, id := range orphanIDs {
				hb := m.heartbeats[id]
				m.removeFromParentIndexLocked(id, hb.ParentID)
				hb.ParentID = ""
				hb.Depth = 0
				m.children[""] = append(m.children[""], id)
				hb.Touch(m.clock.Now())
				*toPersist = append(*toPersist, hb.Clone())
				handled++
			}
		case "promote":
			sort.SliceStable(orphanIDs, func(i, j int) bool {
				return m.heartbeats[orphanIDs[i]].CreatedAt.Before(m.heartbeats[orphanIDs[j]].CreatedAt)
			})
			newParentID := orphanIDs[0]
			newParent := m.heartbeats[newParentID]
			m.removeFromParentIndexLocked(newParentID, missingParent)
			newParent.ParentID = ""
			newParent.Depth = 0
			m.children[""] = append(m.children[""], newParentID)
			newParent.Touch(m.clock.Now())
			*toPersist = append(*toPersist, newParent.Clone())
			handled++

			for _, id := range orphanIDs[1:] {
				hb := m.heartbeats[id]
				m.removeFromParentIndexLocked(id, missingParent)
				hb.ParentID = newParentID
				hb.Depth = newParent.Depth + 1
				m.children[newParentID] = append(m.children[newParentID], id)
				hb.Touch(m.clock.Now())
				*toPersist = append(*toPersist, hb.Clone())
				handled++
			}
		default: // "cascade"
			for _, id := range orphanIDs {
				outcome := m.killSubtreeLocked(id)
				*toPersist = append(*toPersist, outcome.persisted...)
				handled += outcome.CascadeCount
				if outcome.CascadeCount > 0 && m.tel != nil {
					m.tel.RecordKillCascade(ctx, outcome.CascadeCount, "orphan_cascade")
				}
			}
		}
	}
	return handled
}

func (m *Manager) removeFromParentIndexLocked(id, parentID types.AgentId) {
	siblings := m.children[parentID]
	for i, s := range siblings {
		if s == id {
			m.children[parentID] = append(siblings[:i:i], siblings[i+1:]...)
			return
		}
	}
}

// StartMonitoring schedules repeated HealTree sweeps with a cooperative
// "next delay = max(0, heartbeatInterval - lastDuration)" cadence, until
// ctx is cancelled or StopMonitoring/Dispose is called.
func (m *Manager) StartMonitoring(ctx context.Context) {
	m.mu.Lock()
	if m.monitorCancel != nil {
		m.mu.Unlock()
		return // already running
	}
	monitorCtx, cancel := context.WithCancel(ctx)
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})
	m.mu.Unlock()

	go m.monitorLoop(monitorCtx)
}

func (m *Manager) monitorLoop(ctx context.Context) {
	defer close(m.monitorDone)
	for {
		m.mu.RLock()
		interval := m.cfg.HeartbeatInterval
		m.mu.RUnlock()
		if interval <= 0 {
			interval = 5 * time.Second
		}

		start := time.Now()
		m.HealTree(ctx)
		elapsed := time.Since(start)

		delay := interval - elapsed
		if delay < 0 {
			delay = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// StopMonitoring cancels any running sweep loop and waits for it to exit.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	cancel := m.monitorCancel
	done := m.monitorDone
	m.monitorCancel = nil
	m.monitorDone = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}
