// Package compaction implements the ContextCompactor (C4, spec.md §3-4.3):
// deciding when and how aggressively to shrink the message list. Grounded
// on the achetronic/adk-utils-go contextguard plugin's multi-strategy
// compaction (sliding-window and threshold strategies keyed off a context
// window estimate), adapted from "summarize via an LLM" to the spec's
// "drop tool results first, then assistant prose, never system prompt or
// current user request" rule — the lifecycle core has no Provider access
// of its own (Non-goals: the core does not call language models).
package compaction

import (
	"github.com/sriinnu/chitragupta/types"
)

// Config tunes when compaction tiers kick in, as a fraction of ctxLimit.
type Config struct {
	GentleThreshold     float64 // e.g. 0.70
	ModerateThreshold   float64 // e.g. 0.85
	AggressiveThreshold float64 // e.g. 0.95
}

// DefaultConfig mirrors the teacher's contextguard defaults: compact early
// and often rather than risk truncation errors from the provider.
func DefaultConfig() Config {
	return Config{GentleThreshold: 0.70, ModerateThreshold: 0.85, AggressiveThreshold: 0.95}
}

// Compactor decides compaction tiers and performs the pruning.
type Compactor struct {
	cfg Config
}

// New returns a Compactor using cfg.
func New(cfg Config) *Compactor {
	return &Compactor{cfg: cfg}
}

// Result is what Decide/Compact returns to the Autonomy wrapper.
type Result struct {
	Tier         types.CompactionTier
	Messages     []types.Message
	TokensBefore int
	TokensAfter  int
}

func estimateTokens(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += m.Tokens
	}
	return total
}

// Decide picks a tier for the current message list given ctxLimit, and
// returns the (possibly pruned) message list. It never drops the system
// prompt (the first message with Role == "system") or the final user
// message (the current request).
func (c *Compactor) Decide(messages []types.Message, ctxLimit int) Result {
	before := estimateTokens(messages)
	if ctxLimit <= 0 {
		return Result{Tier: types.TierNone, Messages: messages, TokensBefore: before, TokensAfter: before}
	}

	utilization := float64(before) / float64(ctxLimit)

	var tier types.CompactionTier
	switch {
	case utilization >= c.cfg.AggressiveThreshold:
		tier = types.TierAggressive
	case utilization >= c.cfg.ModerateThreshold:
		tier = types.TierModerate
	case utilization >= c.cfg.GentleThreshold:
		tier = types.TierGentle
	default:
		tier = types.TierNone
	}

	if tier == types.TierNone {
		return Result{Tier: tier, Messages: messages, TokensBefore: before, TokensAfter: before}
	}

	pruned := c.prune(messages, tier)
	after := estimateTokens(pruned)
	return Result{Tier: tier, Messages: pruned, TokensBefore: before, TokensAfter: after}
}

// protectedIndices finds the index boundaries that must never be dropped:
// the first system message and the last message overall (the current
// user request).
func protectedIndices(messages []types.Message) (systemIdx, lastIdx int) {
	systemIdx = -1
	lastIdx = len(messages) - 1
	for i, m := range messages {
		if m.Role == "system" {
			systemIdx = i
			break
		}
	}
	return
}

// prune drops content in increasing order of aggressiveness: tool results
// first, then assistant prose, scaling how much of the oldest
// non-essential content each tier removes.
func (c *Compactor) prune(messages []types.Message, tier types.CompactionTier) []types.Message {
	systemIdx, lastIdx := protectedIndices(messages)

	// fraction of eligible (non-protected) messages to drop, oldest first,
	// increasing with tier severity.
	var dropToolFrac, dropProseFrac float64
	switch tier {
	case types.TierGentle:
		dropToolFrac = 0.5
	case types.TierModerate:
		dropToolFrac = 1.0
		dropProseFrac = 0.3
	case types.TierAggressive:
		dropToolFrac = 1.0
		dropProseFrac = 0.7
	}

	isProtected := func(i int) bool {
		return i == systemIdx || i == lastIdx
	}

	toolIdx := make([]int, 0)
	proseIdx := make([]int, 0)
	for i, m := range messages {
		if isProtected(i) {
			continue
		}
		if m.IsToolCall || m.IsToolResp {
			toolIdx = append(toolIdx, i)
		} else if m.Role == "assistant" {
			proseIdx = append(proseIdx, i)
		}
	}

	drop := make(map[int]bool)
	for _, i := range toolIdx[:capFrac(len(toolIdx), dropToolFrac)] {
		drop[i] = true
	}
	for _, i := range proseIdx[:capFrac(len(proseIdx), dropProseFrac)] {
		drop[i] = true
	}

	out := make([]types.Message, 0, len(messages)-len(drop))
	for i, m := range messages {
		if drop[i] {
			continue
		}
		out = append(out, m)
	}
	return out
}

func capFrac(n int, frac float64) int {
	if frac <= 0 || n == 0 {
		return 0
	}
	k := int(float64(n) * frac)
	if frac >= 1 {
		k = n
	}
	if k > n {
		k = n
	}
	return k
}
