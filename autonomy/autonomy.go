// Package autonomy implements the AutonomyWrapper (C5, spec.md §4.3): the
// per-turn before/after hooks, retry with backoff, context recovery and
// graceful degradation that sit around a single agent's turn loop.
// Grounded on the teacher's resilience package (circuit breaker +
// retry-with-backoff composed around a call), generalized from "protect
// one outbound call" to "protect one agent's whole turn" and extended
// with the context-compaction and degradation state the source adds.
package autonomy

import (
	"context"
	"sync"
	"time"

	"github.com/sriinnu/chitragupta/clock"
	"github.com/sriinnu/chitragupta/compaction"
	"github.com/sriinnu/chitragupta/eventbus"
	"github.com/sriinnu/chitragupta/logger"
	"github.com/sriinnu/chitragupta/metrics"
	"github.com/sriinnu/chitragupta/telemetry"
	"github.com/sriinnu/chitragupta/toolguard"
	"github.com/sriinnu/chitragupta/types"
)

// State is the mutable turn state the wrapper observes and transforms.
// Messages is replaced, never mutated in place, matching the source's
// "lastGoodMessages... replaced, never mutated" ownership rule.
type State struct {
	Messages []types.Message
}

func cloneMessages(msgs []types.Message) []types.Message {
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out
}

// HealthConfig tunes recordTurnMetrics' threshold evaluation.
type HealthConfig struct {
	ErrorRateWarningThreshold float64
	LatencyWarningMs          int
}

// Trend summarizes whether recent turns are getting better or worse.
type Trend string

const (
	TrendInsufficientData Trend = "insufficient_data"
	TrendImproving        Trend = "improving"
	TrendSteady           Trend = "steady"
	TrendDegrading        Trend = "degrading"
)

// HealthReport is getHealthReport's return value, extended with Trend
// (a supplemented feature: a view over data the wrapper already owns, no
// new scope).
type HealthReport struct {
	ErrorRate    float64
	AvgLatencyMs float64
	Utilization  float64
	Degraded     bool
	Reasons      []string
	Trend        Trend
}

// Wrapper is the per-agent AutonomyWrapper. One Wrapper owns one agent;
// turns for that agent must be driven strictly sequentially by the
// caller (spec.md §5).
type Wrapper struct {
	agentID string
	bus     *eventbus.Bus
	clock   clock.Clock
	log     logger.Logger

	ring      *metrics.Ring
	tools     *toolguard.Guard
	compactor *compaction.Compactor
	healthCfg HealthConfig
	retryCfg  RetryConfig
	ctxLimit  int
	sleep     func(time.Duration) <-chan time.Time
	tel       *telemetry.Telemetry

	mu               sync.Mutex
	lastGoodMessages []types.Message
	degradedReasons  map[string]struct{}
}

// New returns a Wrapper for one agent. tel may be nil (telemetry is
// optional).
func New(agentID string, bus *eventbus.Bus, clk clock.Clock, log logger.Logger, tools *toolguard.Guard, compactor *compaction.Compactor, healthCfg HealthConfig, retryCfg RetryConfig, tel *telemetry.Telemetry) *Wrapper {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.NoOp{}
	}
	return &Wrapper{
		agentID:         agentID,
		bus:             bus,
		clock:           clk,
		log:             log,
		ring:            metrics.NewRing(),
		tools:           tools,
		compactor:       compactor,
		healthCfg:       healthCfg,
		retryCfg:        retryCfg,
		sleep:           time.After,
		degradedReasons: make(map[string]struct{}),
		tel:             tel,
	}
}

// BeforeTurn snapshots state.Messages into lastGoodMessages (a top-level
// deep copy) before the turn executes.
func (w *Wrapper) BeforeTurn(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastGoodMessages = cloneMessages(state.Messages)
}

// AfterTurn asks the ContextCompactor for a tier and possibly-pruned
// message list, emits autonomy:compaction whenever the tier is not none
// (even if that tier found nothing to drop), and refreshes
// lastGoodMessages to match.
func (w *Wrapper) AfterTurn(ctx context.Context, state State, ctxLimit int) State {
	result := w.compactor.Decide(state.Messages, ctxLimit)
	if result.Tier != types.TierNone {
		w.bus.Emit(eventbus.EventCompaction, eventbus.CompactionPayload{
			AgentID:      w.agentID,
			Tier:         string(result.Tier),
			TokensBefore: result.TokensBefore,
			TokensAfter:  result.TokensAfter,
		})
		if w.tel != nil {
			w.tel.RecordCompactionTier(ctx, string(result.Tier))
		}
		w.mu.Lock()
		w.lastGoodMessages = cloneMessages(result.Messages)
		w.mu.Unlock()
	}
	return State{Messages: result.Messages}
}

// WithRetry runs op with backoff per RetryConfig, classifying failures and
// emitting autonomy:error_classified / autonomy:retry along the way.
func (w *Wrapper) WithRetry(ctx context.Context, op Op) (interface{}, error) {
	return w.withRetry(ctx, w.agentID, w.retryCfg, op)
}

// OnToolUsed records a tool invocation's outcome against the disable/
// re-enable state machine and emits the resulting transition, if any.
func (w *Wrapper) OnToolUsed(tool string, success bool) {
	var transition toolguard.Transition
	if success {
		transition = w.tools.RecordSuccess(tool)
	} else {
		transition = w.tools.RecordFailure(tool)
	}

	snap := w.tools.Snapshot(tool)
	switch transition {
	case toolguard.Disabled:
		w.bus.Emit(eventbus.EventToolDisabled, eventbus.ToolDisabledPayload{
			AgentID:             w.agentID,
			Tool:                tool,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			TotalFailures:       snap.TotalFailures,
		})
	case toolguard.Reenabled:
		w.bus.Emit(eventbus.EventToolReenabled, eventbus.ToolDisabledPayload{
			AgentID:             w.agentID,
			Tool:                tool,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			TotalFailures:       snap.TotalFailures,
		})
	}
}

// IsToolDisabled reports whether tool is currently disabled for this agent.
func (w *Wrapper) IsToolDisabled(tool string) bool {
	return w.tools.IsDisabled(tool)
}

// RecordTurnMetrics appends one TurnMetric to the ring and evaluates
// health thresholds over the last <=20 records, emitting
// autonomy:health_warning for any breach.
func (w *Wrapper) RecordTurnMetrics(start, end time.Time, tokensBefore, tokensAfter int, hadError bool, errorType string, ctxLimit int) {
	m := types.TurnMetric{
		StartTime:    start,
		EndTime:      end,
		LatencyMs:    end.Sub(start).Milliseconds(),
		TokensBefore: tokensBefore,
		TokensAfter:  tokensAfter,
		HadError:     hadError,
		ErrorType:    errorType,
	}
	w.ring.Append(m)
	w.ctxLimit = ctxLimit
	w.evaluateHealth()
}

func (w *Wrapper) evaluateHealth() {
	recent := w.ring.Last(20)
	if len(recent) == 0 {
		return
	}

	errRate := errorRate(recent)
	if w.healthCfg.ErrorRateWarningThreshold > 0 && errRate > w.healthCfg.ErrorRateWarningThreshold {
		w.bus.Emit(eventbus.EventHealthWarning, eventbus.HealthWarningPayload{
			AgentID: w.agentID,
			Metric:  "error_rate",
			Value:   errRate,
			Limit:   w.healthCfg.ErrorRateWarningThreshold,
		})
	}

	avgLatency := avgLatencyMs(recent)
	if w.healthCfg.LatencyWarningMs > 0 && avgLatency > float64(w.healthCfg.LatencyWarningMs) {
		w.bus.Emit(eventbus.EventHealthWarning, eventbus.HealthWarningPayload{
			AgentID: w.agentID,
			Metric:  "latency",
			Value:   avgLatency,
			Limit:   float64(w.healthCfg.LatencyWarningMs),
		})
	}

	if w.ctxLimit > 0 {
		last := recent[len(recent)-1]
		utilization := float64(last.TokensAfter) / float64(w.ctxLimit)
		if utilization >= 1.0 {
			w.bus.Emit(eventbus.EventHealthWarning, eventbus.HealthWarningPayload{
				AgentID: w.agentID,
				Metric:  "utilization",
				Value:   utilization,
				Limit:   1.0,
			})
		}
	}
}

func errorRate(records []types.TurnMetric) float64 {
	if len(records) == 0 {
		return 0
	}
	errs := 0
	for _, r := range records {
		if r.HadError {
			errs++
		}
	}
	return float64(errs) / float64(len(records))
}

func avgLatencyMs(records []types.TurnMetric) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum int64
	for _, r := range records {
		sum += r.LatencyMs
	}
	return float64(sum) / float64(len(records))
}

// RecoverContext attempts last-good recovery first, then a structural
// fallback that drops unmatched tool-call/tool-result messages.
func (w *Wrapper) RecoverContext(state State) State {
	w.mu.Lock()
	lastGood := w.lastGoodMessages
	w.mu.Unlock()

	if len(lastGood) > 0 {
		recovered := cloneMessages(lastGood)
		w.bus.Emit(eventbus.EventContextRecovered, eventbus.ContextRecoveredPayload{
			AgentID:        w.agentID,
			Method:         "last_good",
			OriginalLength: len(state.Messages),
			RecoveredLen:   len(recovered),
		})
		return State{Messages: recovered}
	}

	recovered := structuralRecover(state.Messages)
	if len(recovered) != len(state.Messages) {
		w.bus.Emit(eventbus.EventContextRecovered, eventbus.ContextRecoveredPayload{
			AgentID:        w.agentID,
			Method:         "structural",
			OriginalLength: len(state.Messages),
			RecoveredLen:   len(recovered),
		})
		return State{Messages: recovered}
	}

	return state
}

// structuralRecover drops any tool-call message with no matching
// tool-result (by ToolCallID) and vice versa.
func structuralRecover(msgs []types.Message) []types.Message {
	calls := make(map[string]bool)
	results := make(map[string]bool)
	for _, m := range msgs {
		if m.IsToolCall && m.ToolCallID != "" {
			calls[m.ToolCallID] = true
		}
		if m.IsToolResp && m.ToolCallID != "" {
			results[m.ToolCallID] = true
		}
	}

	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsToolCall && m.ToolCallID != "" && !results[m.ToolCallID] {
			continue
		}
		if m.IsToolResp && m.ToolCallID != "" && !calls[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// EnterDegradedMode idempotently adds reason to the active set.
func (w *Wrapper) EnterDegradedMode(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.degradedReasons[reason] = struct{}{}
	w.bus.Emit(eventbus.EventDegraded, eventbus.DegradedPayload{
		AgentID:  w.agentID,
		Reason:   reason,
		Entering: true,
		Degraded: true,
	})
}

// ExitDegradedMode removes reason from the active set; if the set becomes
// empty, overall degraded status clears.
func (w *Wrapper) ExitDegradedMode(reason string) {
	w.mu.Lock()
	delete(w.degradedReasons, reason)
	degraded := len(w.degradedReasons) > 0
	w.mu.Unlock()

	w.bus.Emit(eventbus.EventDegraded, eventbus.DegradedPayload{
		AgentID:  w.agentID,
		Reason:   reason,
		Entering: false,
		Degraded: degraded,
	})
}

// IsDegraded reports whether any degradation reason is currently active.
func (w *Wrapper) IsDegraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.degradedReasons) > 0
}

// GetHealthReport summarizes the last <=20 turns plus degradation state.
func (w *Wrapper) GetHealthReport() HealthReport {
	recent := w.ring.Last(20)

	w.mu.Lock()
	reasons := make([]string, 0, len(w.degradedReasons))
	for r := range w.degradedReasons {
		reasons = append(reasons, r)
	}
	degraded := len(w.degradedReasons) > 0
	w.mu.Unlock()

	report := HealthReport{Degraded: degraded, Reasons: reasons, Trend: TrendInsufficientData}
	if len(recent) == 0 {
		return report
	}

	report.ErrorRate = errorRate(recent)
	report.AvgLatencyMs = avgLatencyMs(recent)
	if w.ctxLimit > 0 {
		last := recent[len(recent)-1]
		report.Utilization = float64(last.TokensAfter) / float64(w.ctxLimit)
	}
	report.Trend = computeTrend(recent)
	return report
}

// computeTrend compares the error rate of the first and second half of
// the evaluated window to classify recent direction (a supplemented
// feature layered over data recordTurnMetrics already retains).
func computeTrend(records []types.TurnMetric) Trend {
	if len(records) < 4 {
		return TrendInsufficientData
	}
	mid := len(records) / 2
	older, newer := records[:mid], records[mid:]
	olderRate, newerRate := errorRate(older), errorRate(newer)

	const epsilon = 0.05
	switch {
	case newerRate < olderRate-epsilon:
		return TrendImproving
	case newerRate > olderRate+epsilon:
		return TrendDegrading
	default:
		return TrendSteady
	}
}
