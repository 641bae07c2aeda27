// Package kaala implements the LifecycleManager (C6, spec.md §4.4): the
// agent tree's supervisor. It owns the heartbeat map as an arena keyed by
// AgentId (DESIGN NOTES: "never hold direct references to other agents"),
// enforces depth/fanout/budget invariants, and carries out ancestor-only,
// bottom-up kill cascades.
//
// Grounded on the teacher's core.MockDiscovery (mutex-guarded map with a
// capability index) for the map-plus-index shape, and its
// RedisDiscovery.StartHeartbeat ticker-goroutine pattern for the periodic
// sweep.
package kaala

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sriinnu/chitragupta/chierrors"
	"github.com/sriinnu/chitragupta/clock"
	"github.com/sriinnu/chitragupta/config"
	"github.com/sriinnu/chitragupta/eventbus"
	"github.com/sriinnu/chitragupta/logger"
	"github.com/sriinnu/chitragupta/store"
	"github.com/sriinnu/chitragupta/telemetry"
	"github.com/sriinnu/chitragupta/types"
)

// SystemMaxDepth and SystemMaxSubAgents are the hard ceilings every
// configured value is clamped to (spec.md §4.4).
const (
	SystemMaxDepth     = 10
	SystemMaxSubAgents = 16
)

// SpawnCheck is canSpawn's result; never an error, per spec.md §4.4's
// "boundary errors surface through return values" rule.
type SpawnCheck struct {
	Allowed bool
	Reason  string
}

// KillResult is killAgent's result.
type KillResult struct {
	Success      bool
	KilledIDs    []types.AgentId
	CascadeCount int
	FreedTokens  int
	Reason       string
}

// StatusListener observes a status transition. Invoked synchronously,
// isolated behind a recover boundary so a panicking listener cannot abort
// the sweeper (DESIGN NOTES: best-effort listener dispatch).
type StatusListener func(eventbus.StatusChangePayload)

// Manager is the LifecycleManager. Zero value is not usable; construct
// with New.
type Manager struct {
	mu sync.RWMutex

	heartbeats map[types.AgentId]*types.Heartbeat
	children   map[types.AgentId][]types.AgentId
	stuckReason map[types.AgentId]string

	cfg config.KaalaConfig

	clock clock.Clock
	log   logger.Logger
	bus   *eventbus.Bus
	repo  *store.HeartbeatRepository
	tel   *telemetry.Telemetry

	listeners []StatusListener

	disposed bool

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New returns a Manager. repo may be nil; when set, registerAgent/
// recordHeartbeat/markCompleted/markError/killAgent/healTree best-effort
// persist through it (persistence failures are logged, never surfaced,
// since the in-memory map remains the source of truth for live sweeps
// per spec.md §5).
func New(cfg config.KaalaConfig, clk clock.Clock, log logger.Logger, bus *eventbus.Bus, repo *store.HeartbeatRepository, tel *telemetry.Telemetry) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.NoOp{}
	}
	cfg = clampConfig(cfg)
	return &Manager{
		heartbeats:  make(map[types.AgentId]*types.Heartbeat),
		children:    make(map[types.AgentId][]types.AgentId),
		stuckReason: make(map[types.AgentId]string),
		cfg:         cfg,
		clock:       clk,
		log:         log,
		bus:         bus,
		repo:        repo,
		tel:         tel,
	}
}

func clampConfig(cfg config.KaalaConfig) config.KaalaConfig {
	if cfg.MaxAgentDepth <= 0 || cfg.MaxAgentDepth > SystemMaxDepth {
		cfg.MaxAgentDepth = SystemMaxDepth
	}
	if cfg.MaxSubAgents <= 0 || cfg.MaxSubAgents > SystemMaxSubAgents {
		cfg.MaxSubAgents = SystemMaxSubAgents
	}
	return cfg
}

// SetConfig replaces the manager's configuration, re-clamping to the
// system maxima.
func (m *Manager) SetConfig(cfg config.KaalaConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = clampConfig(cfg)
}

// OnStatusChange registers a listener for every status transition across
// every agent. Returns an unsubscribe func.
func (m *Manager) OnStatusChange(l StatusListener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
	idx := len(m.listeners) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.listeners) {
			m.listeners[idx] = nil
		}
	}
}

func (m *Manager) fireListeners(payload eventbus.StatusChangePayload) {
	for _, l := range m.listeners {
		if l == nil {
			continue
		}
		func(listener StatusListener) {
			defer func() { _ = recover() }()
			listener(payload)
		}(l)
	}
	if m.bus != nil {
		m.bus.Emit(eventbus.EventStatusChange, payload)
	}
}

// setStatus is the sole writer of Status. Must be called with m.mu held.
func (m *Manager) setStatus(hb *types.Heartbeat, newStatus types.Status) {
	if hb.Status == newStatus {
		return
	}
	old := hb.Status
	now := m.clock.Now()
	hb.Status = newStatus
	hb.LastBeat = now
	hb.Touch(now)

	m.fireListeners(eventbus.StatusChangePayload{
		AgentID:   string(hb.AgentID),
		OldStatus: string(old),
		NewStatus: string(newStatus),
		ParentID:  string(hb.ParentID),
		At:        now,
	})
}

// RegisterAgent adds a new heartbeat to the tree. Fails if the manager is
// disposed, the id already exists, the parent doesn't resolve (when
// non-empty), or depth/fanout/global-cap would be violated.
func (m *Manager) RegisterAgent(ctx context.Context, hb *types.Heartbeat) error {
	if hb == nil {
		return fmt.Errorf("kaala: nil heartbeat")
	}
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return chierrors.New("registerAgent", "disposed", chierrors.ErrManagerDisposed).WithID(string(hb.AgentID))
	}
	if _, exists := m.heartbeats[hb.AgentID]; exists {
		m.mu.Unlock()
		return chierrors.New("registerAgent", "duplicate", fmt.Errorf("agent %s already registered", hb.AgentID)).WithID(string(hb.AgentID))
	}
	if hb.HasParent() {
		if _, ok := m.heartbeats[hb.ParentID]; !ok {
			m.mu.Unlock()
			return chierrors.New("registerAgent", "orphan", chierrors.ErrAgentNotFound).WithID(string(hb.ParentID))
		}
	}
	if hb.Depth > m.cfg.MaxAgentDepth {
		m.mu.Unlock()
		return chierrors.New("registerAgent", "depth", chierrors.ErrDepthExceeded).WithID(string(hb.AgentID))
	}
	if len(m.children[hb.ParentID]) >= m.cfg.MaxSubAgents {
		m.mu.Unlock()
		return chierrors.New("registerAgent", "fanout", chierrors.ErrFanoutExceeded).WithID(string(hb.AgentID))
	}
	if m.aliveAndStaleCountLocked() >= m.cfg.GlobalMaxAgents {
		m.mu.Unlock()
		return chierrors.New("registerAgent", "global_cap", chierrors.ErrGlobalCapExceeded).WithID(string(hb.AgentID))
	}

	now := m.clock.Now()
	if hb.Status == "" {
		hb.Status = types.StatusAlive
	}
	if hb.StartedAt.IsZero() {
		hb.StartedAt = now
	}
	hb.LastBeat = now
	hb.TimestampedEntity = types.TimestampedEntity{CreatedAt: now, UpdatedAt: now}

	m.heartbeats[hb.AgentID] = hb
	m.children[hb.ParentID] = append(m.children[hb.ParentID], hb.AgentID)
	m.mu.Unlock()

	m.persist(ctx, hb)
	return nil
}

func (m *Manager) aliveAndStaleCountLocked() int {
	n := 0
	for _, hb := range m.heartbeats {
		if hb.Status == types.StatusAlive || hb.Status == types.StatusStale {
			n++
		}
	}
	return n
}

func (m *Manager) persist(ctx context.Context, hb *types.Heartbeat) {
	if m.repo == nil {
		return
	}
	if err := m.repo.Save(ctx, hb); err != nil {
		m.log.Warn("failed to persist heartbeat", map[string]interface{}{"agent_id": string(hb.AgentID), "error": err.Error()})
	}
}

// HeartbeatUpdate carries the optional fields recordHeartbeat may refresh.
type HeartbeatUpdate struct {
	TurnCount   *int
	TokenUsage  *int
	TokenBudget *int
}

// RecordHeartbeat refreshes lastBeat and, if the agent was stale, restores
// it to alive. Applies any fields present in partial.
func (m *Manager) RecordHeartbeat(ctx context.Context, id types.AgentId, partial *HeartbeatUpdate) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return chierrors.New("recordHeartbeat", "disposed", chierrors.ErrManagerDisposed).WithID(string(id))
	}
	hb, ok := m.heartbeats[id]
	if !ok {
		m.mu.Unlock()
		return chierrors.New("recordHeartbeat", "not_found", chierrors.ErrAgentNotFound).WithID(string(id))
	}
	if hb.Status.IsTerminal() {
		m.mu.Unlock()
		return chierrors.New("recordHeartbeat", "terminal", chierrors.ErrAgentTerminal).WithID(string(id))
	}

	if partial != nil {
		if partial.TurnCount != nil {
			hb.TurnCount = *partial.TurnCount
		}
		if partial.TokenUsage != nil {
			hb.TokenUsage = *partial.TokenUsage
		}
		if partial.TokenBudget != nil {
			hb.TokenBudget = *partial.TokenBudget
		}
	}

	if hb.Status == types.StatusStale {
		m.setStatus(hb, types.StatusAlive)
	} else {
		hb.LastBeat = m.clock.Now()
		hb.Touch(hb.LastBeat)
	}
	clone := hb.Clone()
	m.mu.Unlock()

	m.persist(ctx, clone)
	return nil
}

// MarkCompleted transitions an agent to the completed terminal state.
func (m *Manager) MarkCompleted(ctx context.Context, id types.AgentId) error {
	return m.markTerminal(ctx, id, types.StatusCompleted)
}

// MarkError transitions an agent to the error state (non-terminal; a
// subsequent heal or kill still applies).
func (m *Manager) MarkError(ctx context.Context, id types.AgentId) error {
	return m.markTerminal(ctx, id, types.StatusError)
}

func (m *Manager) markTerminal(ctx context.Context, id types.AgentId, status types.Status) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return chierrors.New("markStatus", "disposed", chierrors.ErrManagerDisposed).WithID(string(id))
	}
	hb, ok := m.heartbeats[id]
	if !ok {
		m.mu.Unlock()
		return chierrors.New("markStatus", "not_found", chierrors.ErrAgentNotFound).WithID(string(id))
	}
	if hb.Status.IsTerminal() {
		m.mu.Unlock()
		return chierrors.New("markStatus", "terminal", chierrors.ErrAgentTerminal).WithID(string(id))
	}
	m.setStatus(hb, status)
	clone := hb.Clone()
	m.mu.Unlock()

	m.persist(ctx, clone)
	return nil
}

// ReportStuck records (or preserves) a stuck reason for id. Per the
// decided Open Question, a second report while already stale keeps the
// first reason unless none was previously set.
func (m *Manager) ReportStuck(id types.AgentId, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return chierrors.New("reportStuck", "disposed", chierrors.ErrManagerDisposed).WithID(string(id))
	}
	if _, ok := m.heartbeats[id]; !ok {
		return chierrors.New("reportStuck", "not_found", chierrors.ErrAgentNotFound).WithID(string(id))
	}
	if _, exists := m.stuckReason[id]; !exists {
		m.stuckReason[id] = reason
	}
	return nil
}

// HealAgent clears a stuck reason and restores an ancestor's descendant
// from stale/error back toward health. Allowed only when healer is a
// proper ancestor of target and target.Status is stale or error.
func (m *Manager) HealAgent(ctx context.Context, healer, target types.AgentId) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return chierrors.New("healAgent", "disposed", chierrors.ErrManagerDisposed).WithID(string(target))
	}
	hb, ok := m.heartbeats[target]
	if !ok {
		m.mu.Unlock()
		return chierrors.New("healAgent", "not_found", chierrors.ErrAgentNotFound).WithID(string(target))
	}
	if !m.isAncestorLocked(healer, target) {
		m.mu.Unlock()
		return chierrors.New("healAgent", "not_ancestor", chierrors.ErrNotAncestor).WithID(string(target))
	}
	if hb.Status != types.StatusStale && hb.Status != types.StatusError {
		m.mu.Unlock()
		return chierrors.New("healAgent", "invalid_state", fmt.Errorf("agent %s is not stale or error", target)).WithID(string(target))
	}

	delete(m.stuckReason, target)
	m.setStatus(hb, types.StatusAlive)
	clone := hb.Clone()
	m.mu.Unlock()

	m.persist(ctx, clone)
	return nil
}

// isAncestorLocked reports whether ancestor is a proper ancestor of
// descendant in the tree. Must be called with m.mu held (read or write).
func (m *Manager) isAncestorLocked(ancestor, descendant types.AgentId) bool {
	if ancestor == "" || descendant == "" || ancestor == descendant {
		return false
	}
	cur, ok := m.heartbeats[descendant]
	if !ok {
		return false
	}
	seen := make(map[types.AgentId]bool)
	for cur.HasParent() {
		if seen[cur.ParentID] {
			return false // cycle guard; the tree invariant forbids this but never trust input blindly
		}
		seen[cur.ParentID] = true
		if cur.ParentID == ancestor {
			return true
		}
		parent, ok := m.heartbeats[cur.ParentID]
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

// collectDescendantsLocked returns target and every descendant, sorted by
// depth descending (leaves first) per the kill-cascade ordering rule.
// Must be called with m.mu held.
func (m *Manager) collectDescendantsLocked(target types.AgentId) []types.AgentId {
	all := []types.AgentId{target}
	queue := []types.AgentId{target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range m.children[cur] {
			all = append(all, child)
			queue = append(queue, child)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		hi, hj := m.heartbeats[all[i]], m.heartbeats[all[j]]
		if hi == nil || hj == nil {
			return false
		}
		return hi.Depth > hj.Depth
	})
	return all
}

// KillAgent verifies killer is a proper ancestor of target, then kills
// target and every descendant bottom-up.
func (m *Manager) KillAgent(ctx context.Context, killer, target types.AgentId) KillResult {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return KillResult{Success: false, Reason: "manager disposed"}
	}
	targetHB, ok := m.heartbeats[target]
	if !ok {
		m.mu.Unlock()
		return KillResult{Success: false, Reason: "target not found"}
	}
	if !m.isAncestorLocked(killer, target) {
		m.mu.Unlock()
		return KillResult{Success: false, Reason: "killer is not an ancestor of target"}
	}
	if targetHB.Status.IsTerminal() {
		m.mu.Unlock()
		return KillResult{Success: false, Reason: "target already in a terminal state"}
	}

	result := m.killSubtreeLocked(target)
	m.mu.Unlock()

	for _, hb := range result.persisted {
		m.persist(ctx, hb)
	}
	return result.KillResult
}

type killOutcome struct {
	KillResult
	persisted []*types.Heartbeat
}

// killSubtreeLocked performs the actual bottom-up kill of target and its
// descendants, without the ancestor check (reused by the dead-agent
// cascade inside healTree, which condemns a branch without needing an
// ancestor). Must be called with m.mu held.
func (m *Manager) killSubtreeLocked(target types.AgentId) killOutcome {
	ordered := m.collectDescendantsLocked(target)

	killed := make([]types.AgentId, 0, len(ordered))
	persisted := make([]*types.Heartbeat, 0, len(ordered))
	freed := 0

	for _, id := range ordered {
		hb, ok := m.heartbeats[id]
		if !ok || hb.Status.IsTerminal() {
			continue
		}
		if hb.TokenBudget > hb.TokenUsage {
			freed += hb.TokenBudget - hb.TokenUsage
		}
		m.setStatus(hb, types.StatusKilled)
		killed = append(killed, id)
		persisted = append(persisted, hb.Clone())
	}

	return killOutcome{
		KillResult: KillResult{
			Success:      true,
			KilledIDs:    killed,
			CascadeCount: len(killed),
			FreedTokens:  freed,
		},
		persisted: persisted,
	}
}

// ComputeChildBudget returns floor(parent.tokenBudget * budgetDecayFactor),
// applied once per spawn (not compounded across depth — the decided
// reading of the Open Question).
func (m *Manager) ComputeChildBudget(parentID types.AgentId) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parent, ok := m.heartbeats[parentID]
	if !ok {
		return 0, chierrors.New("computeChildBudget", "not_found", chierrors.ErrAgentNotFound).WithID(string(parentID))
	}
	return int(float64(parent.TokenBudget) * m.cfg.BudgetDecayFactor), nil
}

// CanSpawn reports whether parentID may spawn one more child, per
// spec.md §4.4's deny conditions.
func (m *Manager) CanSpawn(parentID types.AgentId) SpawnCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parent, ok := m.heartbeats[parentID]
	if !ok {
		return SpawnCheck{Allowed: false, Reason: "parent agent not found"}
	}
	if parent.Status != types.StatusAlive {
		return SpawnCheck{Allowed: false, Reason: "parent agent is not alive"}
	}
	if parent.Depth+1 > m.cfg.MaxAgentDepth {
		return SpawnCheck{Allowed: false, Reason: "maximum agent depth exceeded"}
	}
	if len(m.children[parentID]) >= m.cfg.MaxSubAgents {
		return SpawnCheck{Allowed: false, Reason: "maximum sub-agent fanout exceeded"}
	}
	if m.aliveAndStaleCountLocked() >= m.cfg.GlobalMaxAgents {
		return SpawnCheck{Allowed: false, Reason: "global agent cap exceeded"}
	}
	childBudget := int(float64(parent.TokenBudget) * m.cfg.BudgetDecayFactor)
	if childBudget < m.cfg.MinTokenBudgetForSpawn {
		return SpawnCheck{Allowed: false, Reason: fmt.Sprintf("child token budget %d below minimum %d", childBudget, m.cfg.MinTokenBudgetForSpawn)}
	}
	return SpawnCheck{Allowed: true}
}

// Dispose marks every non-terminal agent killed, stops monitoring, and
// clears all maps. Public mutating methods fail with ErrManagerDisposed
// after this call.
func (m *Manager) Dispose(ctx context.Context) {
	m.StopMonitoring()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	for _, hb := range m.heartbeats {
		if !hb.Status.IsTerminal() {
			m.setStatus(hb, types.StatusKilled)
		}
		hb.Touch(now)
	}
	m.heartbeats = make(map[types.AgentId]*types.Heartbeat)
	m.children = make(map[types.AgentId][]types.AgentId)
	m.stuckReason = make(map[types.AgentId]string)
	m.disposed = true
	m.mu.Unlock()
}

// WithRepo attaches a HeartbeatRepository for best-effort persistence.
func (m *Manager) WithRepo(repo *store.HeartbeatRepository) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repo = repo
	return m
}
