package kaala

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sriinnu/chitragupta/clock"
	"github.com/sriinnu/chitragupta/config"
	"github.com/sriinnu/chitragupta/eventbus"
	"github.com/sriinnu/chitragupta/logger"
	"github.com/sriinnu/chitragupta/types"
)

func newTestManager(t *testing.T, cfg config.KaalaConfig) (*Manager, *clock.Fake, *eventbus.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	bus := eventbus.New()
	m := New(cfg, clk, logger.NoOp{}, bus, nil, nil)
	return m, clk, bus
}

func register(t *testing.T, m *Manager, id, parent types.AgentId, depth, budget int) *types.Heartbeat {
	t.Helper()
	hb := &types.Heartbeat{AgentID: id, ParentID: parent, Depth: depth, TokenBudget: budget}
	require.NoError(t, m.RegisterAgent(context.Background(), hb))
	return hb
}

func defaultCfg() config.KaalaConfig {
	return config.KaalaConfig{
		HeartbeatInterval:      5 * time.Second,
		StaleThreshold:         30 * time.Second,
		DeadThreshold:          120 * time.Second,
		GlobalMaxAgents:        16,
		BudgetDecayFactor:      0.7,
		RootTokenBudget:        200000,
		OrphanPolicy:           "cascade",
		MaxAgentDepth:          6,
		MaxSubAgents:           8,
		MinTokenBudgetForSpawn: 1000,
	}
}

// scenario 1: bottom-up kill cascade. A(root) -> B -> {C, D}; A kills B.
func TestKillAgent_BottomUpCascade(t *testing.T) {
	m, _, _ := newTestManager(t, defaultCfg())
	ctx := context.Background()

	register(t, m, "A", "", 0, 10000)
	register(t, m, "B", "A", 1, 7000)
	register(t, m, "C", "B", 2, 4900)
	register(t, m, "D", "B", 2, 4900)

	result := m.KillAgent(ctx, "A", "B")

	require.True(t, result.Success)
	require.Equal(t, 3, result.CascadeCount)
	require.Len(t, result.KilledIDs, 3)

	// leaves and B, any C/D order, B last.
	assert.ElementsMatch(t, []types.AgentId{"C", "D"}, result.KilledIDs[:2])
	assert.Equal(t, types.AgentId("B"), result.KilledIDs[2])

	for _, id := range []types.AgentId{"B", "C", "D"} {
		hb, ok := m.GetAgentHealth(id)
		require.True(t, ok)
		assert.Equal(t, types.StatusKilled, hb.Status)
	}
	hbA, ok := m.GetAgentHealth("A")
	require.True(t, ok)
	assert.Equal(t, types.StatusAlive, hbA.Status)
}

// scenario 2: ancestor-only enforcement. A -> B, unrelated X.
func TestKillAgent_AncestorOnly(t *testing.T) {
	m, _, _ := newTestManager(t, defaultCfg())
	ctx := context.Background()

	register(t, m, "A", "", 0, 10000)
	register(t, m, "B", "A", 1, 7000)
	register(t, m, "X", "", 0, 10000)

	result := m.KillAgent(ctx, "X", "B")

	assert.False(t, result.Success)
	assert.Regexp(t, "not an ancestor", result.Reason)

	hb, ok := m.GetAgentHealth("B")
	require.True(t, ok)
	assert.Equal(t, types.StatusAlive, hb.Status)
}

// scenario 3: budget decay on spawn.
func TestComputeChildBudget_AndCanSpawn(t *testing.T) {
	cfg := defaultCfg()
	cfg.BudgetDecayFactor = 0.7
	cfg.MinTokenBudgetForSpawn = 8000
	m, _, _ := newTestManager(t, cfg)

	register(t, m, "A", "", 0, 10000)

	budget, err := m.ComputeChildBudget("A")
	require.NoError(t, err)
	assert.Equal(t, 7000, budget)

	check := m.CanSpawn("A")
	assert.False(t, check.Allowed)
	assert.Contains(t, check.Reason, "budget")
}

func TestCanSpawn_AllowsWhenBudgetSufficient(t *testing.T) {
	cfg := defaultCfg()
	cfg.BudgetDecayFactor = 0.7
	cfg.MinTokenBudgetForSpawn = 1000
	m, _, _ := newTestManager(t, cfg)

	register(t, m, "A", "", 0, 10000)

	check := m.CanSpawn("A")
	assert.True(t, check.Allowed)
	assert.Empty(t, check.Reason)
}

func TestCanSpawn_DeniesAtMaxDepth(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxAgentDepth = 1
	cfg.MaxSubAgents = 1
	cfg.GlobalMaxAgents = 2
	m, _, _ := newTestManager(t, cfg)

	register(t, m, "A", "", 0, 10000)
	register(t, m, "B", "A", 1, 7000)

	// depth exceeded: B is already at max depth, so B cannot spawn.
	check := m.CanSpawn("B")
	assert.False(t, check.Allowed)
	assert.Contains(t, check.Reason, "depth")
}

func TestCanSpawn_FanoutExceeded(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxSubAgents = 1
	cfg.GlobalMaxAgents = 16
	m, _, _ := newTestManager(t, cfg)

	register(t, m, "A", "", 0, 10000)
	register(t, m, "B", "A", 1, 7000)

	check := m.CanSpawn("A")
	assert.False(t, check.Allowed)
	assert.Contains(t, check.Reason, "fanout")
}

func TestCanSpawn_GlobalCapExceeded(t *testing.T) {
	cfg := defaultCfg()
	cfg.GlobalMaxAgents = 1
	m, _, _ := newTestManager(t, cfg)

	register(t, m, "A", "", 0, 10000)

	check := m.CanSpawn("A")
	assert.False(t, check.Allowed)
	assert.Contains(t, check.Reason, "cap")
}

func TestRegisterAgent_RejectsDepthBeyondMax(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxAgentDepth = 1
	m, _, _ := newTestManager(t, cfg)

	register(t, m, "A", "", 0, 10000)
	require.NoError(t, m.RegisterAgent(context.Background(), &types.Heartbeat{AgentID: "B", ParentID: "A", Depth: 1, TokenBudget: 1000}))

	err := m.RegisterAgent(context.Background(), &types.Heartbeat{AgentID: "C", ParentID: "B", Depth: 2, TokenBudget: 1000})
	require.Error(t, err)
}

func TestRegisterAgent_DuplicateAndUnresolvedParent(t *testing.T) {
	m, _, _ := newTestManager(t, defaultCfg())
	register(t, m, "A", "", 0, 10000)

	err := m.RegisterAgent(context.Background(), &types.Heartbeat{AgentID: "A", TokenBudget: 10})
	assert.Error(t, err)

	err = m.RegisterAgent(context.Background(), &types.Heartbeat{AgentID: "Z", ParentID: "missing", TokenBudget: 10})
	assert.Error(t, err)
}

func TestHealAgent_RequiresAncestorAndStaleOrError(t *testing.T) {
	m, clk, _ := newTestManager(t, defaultCfg())
	ctx := context.Background()
	register(t, m, "A", "", 0, 10000)
	register(t, m, "B", "A", 1, 7000)

	clk.Advance(time.Hour)

	err := m.HealAgent(ctx, "A", "B")
	require.Error(t, err) // B is still alive, not stale/error

	require.NoError(t, m.MarkError(ctx, "B"))
	require.NoError(t, m.HealAgent(ctx, "A", "B"))

	hb, ok := m.GetAgentHealth("B")
	require.True(t, ok)
	assert.Equal(t, types.StatusAlive, hb.Status)
}

func TestStatusChangeListener_FiresOnTransition(t *testing.T) {
	m, _, _ := newTestManager(t, defaultCfg())
	ctx := context.Background()

	var payloads []eventbus.StatusChangePayload
	unsub := m.OnStatusChange(func(p eventbus.StatusChangePayload) {
		payloads = append(payloads, p)
	})
	defer unsub()

	register(t, m, "A", "", 0, 10000)
	require.NoError(t, m.MarkCompleted(ctx, "A"))

	require.NotEmpty(t, payloads)
	last := payloads[len(payloads)-1]
	assert.Equal(t, "A", last.AgentID)
	assert.Equal(t, string(types.StatusCompleted), last.NewStatus)
}

func TestReportStuck_PreservesFirstReason(t *testing.T) {
	m, _, _ := newTestManager(t, defaultCfg())
	register(t, m, "A", "", 0, 10000)

	require.NoError(t, m.ReportStuck("A", "first reason"))
	require.NoError(t, m.ReportStuck("A", "second reason"))

	hb, ok := m.GetAgentHealth("A")
	require.True(t, ok)
	assert.Equal(t, "first reason", hb.StuckReason)
}

func TestDispose_KillsEveryoneAndRejectsFurtherWrites(t *testing.T) {
	m, _, _ := newTestManager(t, defaultCfg())
	ctx := context.Background()
	register(t, m, "A", "", 0, 10000)
	register(t, m, "B", "A", 1, 7000)

	m.Dispose(ctx)

	err := m.RegisterAgent(ctx, &types.Heartbeat{AgentID: "C", TokenBudget: 10})
	assert.Error(t, err)

	// disposing twice is a no-op, not a panic.
	m.Dispose(ctx)
}
