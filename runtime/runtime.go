// Package runtime wires Kaala (C6), Autonomy (C5), Vidhi (C7) and the
// facades (C8 EventBus, C9 Store) into the single object a host embeds.
// Grounded on the teacher's core.NewBaseAgentWithConfig: config-driven
// construction with sensible defaults, a generated id when the caller
// doesn't supply one, and a staged Initialize/Shutdown lifecycle rather
// than package-level globals.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sriinnu/chitragupta/autonomy"
	"github.com/sriinnu/chitragupta/clock"
	"github.com/sriinnu/chitragupta/compaction"
	"github.com/sriinnu/chitragupta/config"
	"github.com/sriinnu/chitragupta/eventbus"
	"github.com/sriinnu/chitragupta/kaala"
	"github.com/sriinnu/chitragupta/logger"
	"github.com/sriinnu/chitragupta/provider"
	"github.com/sriinnu/chitragupta/store"
	"github.com/sriinnu/chitragupta/telemetry"
	"github.com/sriinnu/chitragupta/toolguard"
	"github.com/sriinnu/chitragupta/toolrunner"
	"github.com/sriinnu/chitragupta/types"
	"github.com/sriinnu/chitragupta/vidhi"
)

// Runtime is the AgentRuntime glue object spec.md §2's data-flow paragraph
// describes as the external caller of C5/C6/C7: "the AgentRuntime
// (external) invokes C5 around each model turn; C5 registers the agent
// with C6 at startup and heartbeats on each turn".
type Runtime struct {
	cfg   *config.Config
	clock clock.Clock
	log   logger.Logger
	bus   *eventbus.Bus
	tel   *telemetry.Telemetry

	Kaala *kaala.Manager
	Vidhi *vidhi.Engine

	provider provider.Provider
	runner   toolrunner.Runner

	mu        sync.Mutex
	wrappers  map[types.AgentId]*autonomy.Wrapper
	guards    map[types.AgentId]*toolguard.Guard
	compactor *compaction.Compactor
}

// Option configures New.
type Option func(*Runtime)

// WithClock overrides the time source (tests use clock.NewFake).
func WithClock(c clock.Clock) Option { return func(r *Runtime) { r.clock = c } }

// WithLogger overrides the structured logger.
func WithLogger(l logger.Logger) Option { return func(r *Runtime) { r.log = l } }

// WithTelemetry attaches an OpenTelemetry wrapper.
func WithTelemetry(t *telemetry.Telemetry) Option { return func(r *Runtime) { r.tel = t } }

// WithProvider attaches the model-completion collaborator.
func WithProvider(p provider.Provider) Option { return func(r *Runtime) { r.provider = p } }

// WithRunner attaches the tool-execution collaborator.
func WithRunner(tr toolrunner.Runner) Option { return func(r *Runtime) { r.runner = tr } }

// New wires Kaala, Vidhi and their shared infrastructure from cfg. Heartbeats
// are persisted through repo when it is non-nil. Vidhi reads and writes
// every procedure through vidhiRepo with no nil check, so a nil vidhiRepo
// panics on first use. sessions feeds Vidhi.Extract.
func New(cfg *config.Config, repo *store.HeartbeatRepository, vidhiRepo *store.VidhiRepository, sessions vidhi.SessionSource, opts ...Option) *Runtime {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	r := &Runtime{
		cfg:      cfg,
		clock:    clock.Real{},
		log:      logger.NoOp{},
		bus:      eventbus.New(),
		wrappers: make(map[types.AgentId]*autonomy.Wrapper),
		guards:   make(map[types.AgentId]*toolguard.Guard),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.compactor = compaction.New(compaction.DefaultConfig())
	r.Kaala = kaala.New(cfg.Kaala, r.clock, r.log, r.bus, repo, r.tel)
	r.Vidhi = vidhi.New(vidhi.Config{
		MinSessions:       cfg.Vidhi.MinSessions,
		MinSuccessRate:    cfg.Vidhi.MinSuccessRate,
		MinSequenceLength: cfg.Vidhi.MinSequenceLength,
		MaxSequenceLength: cfg.Vidhi.MaxSequenceLength,
	}, r.clock, r.log, vidhiRepo, sessions, r.tel)

	return r
}

// Bus exposes the shared EventBus so hosts can subscribe to lifecycle
// events without reaching into Kaala or Autonomy internals.
func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

// SpawnRoot registers a new root agent (no parent) with the configured
// root token budget.
func (r *Runtime) SpawnRoot(ctx context.Context, purpose string) (types.AgentId, error) {
	id := types.AgentId(uuid.New().String())
	hb := &types.Heartbeat{
		AgentID:     id,
		Purpose:     purpose,
		Depth:       0,
		TokenBudget: r.cfg.Kaala.RootTokenBudget,
		Status:      types.StatusAlive,
	}
	if err := r.Kaala.RegisterAgent(ctx, hb); err != nil {
		return "", err
	}
	return id, nil
}

// SpawnChild registers a new agent under parentID, after checking
// canSpawn and computing the decayed child budget.
func (r *Runtime) SpawnChild(ctx context.Context, parentID types.AgentId, purpose string) (types.AgentId, error) {
	check := r.Kaala.CanSpawn(parentID)
	if !check.Allowed {
		return "", fmt.Errorf("runtime: cannot spawn under %s: %s", parentID, check.Reason)
	}
	budget, err := r.Kaala.ComputeChildBudget(parentID)
	if err != nil {
		return "", err
	}
	parent, ok := r.Kaala.GetAgentHealth(parentID)
	if !ok {
		return "", fmt.Errorf("runtime: parent %s not found", parentID)
	}

	id := types.AgentId(uuid.New().String())
	hb := &types.Heartbeat{
		AgentID:     id,
		ParentID:    parentID,
		Purpose:     purpose,
		Depth:       parent.Depth + 1,
		TokenBudget: budget,
		Status:      types.StatusAlive,
	}
	if err := r.Kaala.RegisterAgent(ctx, hb); err != nil {
		return "", err
	}
	return id, nil
}

// Autonomy returns the per-agent AutonomyWrapper, creating it on first use.
// One wrapper per agent id, matching spec.md §5's "turns are sequential per
// agent" expectation.
func (r *Runtime) Autonomy(agentID types.AgentId) *autonomy.Wrapper {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.wrappers[agentID]; ok {
		return w
	}

	guard := toolguard.New(r.cfg.Autonomy.ToolDisableThreshold, r.clock)
	r.guards[agentID] = guard

	w := autonomy.New(
		string(agentID),
		r.bus,
		r.clock,
		r.log,
		guard,
		r.compactor,
		autonomy.HealthConfig{
			ErrorRateWarningThreshold: r.cfg.Autonomy.ErrorRateWarningThreshold,
			LatencyWarningMs:          r.cfg.Autonomy.LatencyWarningMs,
		},
		autonomy.RetryConfig{
			MaxRetries:  r.cfg.Autonomy.Retry.MaxRetries,
			BaseDelayMs: r.cfg.Autonomy.Retry.BaseDelayMs,
			MaxDelayMs:  r.cfg.Autonomy.Retry.MaxDelayMs,
		},
		r.tel,
	)
	r.wrappers[agentID] = w
	return w
}

// ReleaseAgent drops the cached AutonomyWrapper and ToolGuard for agentID
// so per-agent state doesn't leak for the lifetime of the process. Neither
// Runtime nor Kaala calls it; cached state stays until it is called.
func (r *Runtime) ReleaseAgent(agentID types.AgentId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.wrappers, agentID)
	delete(r.guards, agentID)
}

// Provider returns the configured model-completion collaborator, or nil if
// none was supplied.
func (r *Runtime) Provider() provider.Provider { return r.provider }

// Runner returns the configured tool-execution collaborator, or nil if
// none was supplied.
func (r *Runtime) Runner() toolrunner.Runner { return r.runner }

// StartMonitoring begins Kaala's periodic healTree sweeps.
func (r *Runtime) StartMonitoring(ctx context.Context) { r.Kaala.StartMonitoring(ctx) }

// Shutdown stops monitoring, disposes the lifecycle manager, and flushes
// telemetry, in that order so no sweep observes a half-torn-down runtime.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.Kaala.Dispose(ctx)
	if r.tel != nil {
		return r.tel.Shutdown(ctx)
	}
	return nil
}
