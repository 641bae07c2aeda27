package autonomy

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sriinnu/chitragupta/chierrors"
	"github.com/sriinnu/chitragupta/classify"
	"github.com/sriinnu/chitragupta/eventbus"
)

// RetryConfig tunes withRetry's backoff (spec.md §4.2).
type RetryConfig struct {
	MaxRetries  int
	BaseDelayMs int
	MaxDelayMs  int
}

// UnknownCap bounds how many consecutive "unknown" classifications a
// single withRetry call tolerates before escalating to fatal, per
// spec.md §4.1 ("unknown retryable up to a small cap... escalates to
// fatal after repeated identical unknowns").
const UnknownCap = 2

// Op is the operation withRetry executes; it returns the usual
// (result, error) pair. Ops must be safe to call more than once.
type Op func(ctx context.Context) (interface{}, error)

// withRetry executes op, retrying transient and bounded-unknown failures
// with exponential backoff plus jitter. Fatal classifications (and
// unknown classifications beyond UnknownCap) fail immediately.
//
// Retries of a single turn are strictly sequential — callers must not
// invoke withRetry concurrently for the same agent (spec.md §5).
func (w *Wrapper) withRetry(ctx context.Context, agentID string, cfg RetryConfig, op Op) (interface{}, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	unknownStreak := 0

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, chierrors.New("withRetry", "cancelled", ctx.Err())
		default:
		}

		result, err := op(ctx)
		if err == nil {
			if w.tel != nil {
				w.tel.RecordRetryAttempt(ctx, "", true)
			}
			return result, nil
		}

		class := classify.Classify(err)
		w.bus.Emit(eventbus.EventErrorClassified, eventbus.ErrorClassifiedPayload{
			AgentID:   agentID,
			Kind:      string(class.Kind),
			Retryable: class.Retryable,
			Reason:    class.Reason,
		})
		if w.tel != nil {
			w.tel.RecordRetryAttempt(ctx, string(class.Kind), false)
		}

		if class.Kind == classify.Unknown {
			unknownStreak++
		} else {
			unknownStreak = 0
		}

		escalate := class.Kind == classify.Unknown && unknownStreak > UnknownCap
		if class.Kind == classify.Fatal || escalate || attempt >= cfg.MaxRetries {
			return nil, fmt.Errorf("%w: %s", chierrors.ErrRetriesExhausted, err.Error())
		}

		delay := backoffDelay(cfg, attempt)
		w.bus.Emit(eventbus.EventRetry, eventbus.RetryPayload{
			AgentID:     agentID,
			Attempt:     attempt + 1,
			MaxAttempts: cfg.MaxRetries,
			DelayMs:     delay.Milliseconds(),
			Reason:      class.Reason,
		})

		select {
		case <-ctx.Done():
			return nil, chierrors.New("withRetry", "cancelled", ctx.Err())
		case <-w.sleep(delay):
		}
	}
}

// backoffDelay implements min(maxDelayMs, baseDelayMs*2^attempt + jitter),
// jitter ~ uniform[0, 0.25*base].
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	base := float64(cfg.BaseDelayMs)
	backoff := base * float64(int64(1)<<uint(attempt))
	jitter := rand.Float64() * 0.25 * base
	ms := backoff + jitter
	if max := float64(cfg.MaxDelayMs); max > 0 && ms > max {
		ms = max
	}
	return time.Duration(ms) * time.Millisecond
}
