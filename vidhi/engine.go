// Package vidhi implements the ProcedureEngine (C7, spec.md §4.5): offline
// n-gram mining of tool-call sequences across past sessions, crystallized
// into parameterized, Thompson-sampled procedures. Grounded on the
// teacher's orchestration.AgentCatalog periodic-refresh-and-rank shape,
// generalized from "refresh agent capabilities" to "mine and rank learned
// procedures", with golang.org/x/sync/singleflight collapsing concurrent
// extraction calls per project (spec.md §5).
package vidhi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sriinnu/chitragupta/clock"
	"github.com/sriinnu/chitragupta/logger"
	"github.com/sriinnu/chitragupta/store"
	"github.com/sriinnu/chitragupta/telemetry"
	"github.com/sriinnu/chitragupta/types"
)

// Config tunes extraction and ranking (spec.md §4.5).
type Config struct {
	MinSessions       int
	MinSuccessRate    float64
	MinSequenceLength int
	MaxSequenceLength int
}

// SessionSource loads past session records for a project. It is the
// external collaborator spec.md §2 calls "the external session store";
// Vidhi only ever reads through it.
type SessionSource interface {
	LoadSessions(ctx context.Context, project string) ([]types.SessionRecord, error)
}

// ExtractReport is extract's return value.
type ExtractReport struct {
	NewVidhis              int
	Reinforced             int
	TotalSequencesAnalyzed int
	DurationMs             int64
}

// Engine is the ProcedureEngine.
type Engine struct {
	cfg      Config
	clock    clock.Clock
	log      logger.Logger
	tel      *telemetry.Telemetry
	repo     *store.VidhiRepository
	sessions SessionSource

	sf singleflight.Group

	mu      sync.RWMutex
	paramID int // collision counter, reset for each candidate
}

// New returns an Engine. tel may be nil (telemetry is optional).
func New(cfg Config, clk clock.Clock, log logger.Logger, repo *store.VidhiRepository, sessions SessionSource, tel *telemetry.Telemetry) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.NoOp{}
	}
	return &Engine{cfg: cfg, clock: clk, log: log, repo: repo, sessions: sessions, tel: tel}
}

// Extract runs the full n-gram mining pipeline for project. Concurrent
// calls for the same project collapse into one in-flight run via
// singleflight; the scan itself is always full, never incremental, per
// the decided Open Question.
func (e *Engine) Extract(ctx context.Context, project string) (ExtractReport, error) {
	v, err, _ := e.sf.Do(project, func() (interface{}, error) {
		return e.extract(ctx, project)
	})
	if err != nil {
		return ExtractReport{}, err
	}
	return v.(ExtractReport), nil
}

func (e *Engine) extract(ctx context.Context, project string) (ExtractReport, error) {
	start := time.Now()

	sessions, err := e.sessions.LoadSessions(ctx, project)
	if err != nil {
		return ExtractReport{}, fmt.Errorf("vidhi: load sessions for %s: %w", project, err)
	}

	windows, totalWindows := buildWindows(sessions, e.cfg.MinSequenceLength, e.cfg.MaxSequenceLength)
	candidates := filterByMinSessions(windows, e.cfg.MinSessions)
	rankCandidates(candidates)

	report := ExtractReport{TotalSequencesAnalyzed: totalWindows}
	now := e.clock.Now()

	for _, c := range candidates {
		select {
		case <-ctx.Done():
			report.DurationMs = time.Since(start).Milliseconds()
			return report, ctx.Err()
		default:
		}

		e.mu.Lock()
		e.paramID = 0
		e.mu.Unlock()

		argTemplates, params := antiUnify(c, e)
		triggers := extractTriggers(c.instances)
		distinctSessions := len(c.sessionIDs)

		record := &types.VidhiRecord{
			TimestampedEntity: types.TimestampedEntity{CreatedAt: now, UpdatedAt: now},
			Project:           project,
			Name:              buildName(c.toolNames),
			Steps:             buildSteps(c.toolNames, argTemplates),
			Triggers:          triggers,
			ParameterSchema:   params,
			LearnedFrom:       sessionIDList(c.sessionIDs),
			Confidence:        confidenceFor(distinctSessions),
		}
		record.ID = deterministicID(project, c.toolNames, argTemplates)

		existing, loadErr := e.repo.LoadByID(ctx, record.ID)
		if loadErr != nil {
			e.log.Warn("vidhi: failed to check for existing record", map[string]interface{}{"id": record.ID, "error": loadErr.Error()})
			continue
		}

		if existing != nil {
			reinforce(existing, record, now)
			if err := e.repo.Save(ctx, existing); err != nil {
				e.log.Warn("vidhi: failed to persist reinforced record", map[string]interface{}{"id": existing.ID, "error": err.Error()})
				continue
			}
			report.Reinforced++
		} else {
			record.CreatedAt = now
			record.UpdatedAt = now
			if err := e.repo.Save(ctx, record); err != nil {
				e.log.Warn("vidhi: failed to persist new record", map[string]interface{}{"id": record.ID, "error": err.Error()})
				continue
			}
			report.NewVidhis++
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	if e.tel != nil {
		e.tel.RecordExtractionLatency(ctx, project, float64(report.DurationMs))
	}
	return report, nil
}

// nextParamName derives a readable placeholder name from the templated
// argument's own key ("path" -> "param_path"), falling back to a counter
// suffix when an earlier slot of the same candidate already took that name,
// so two slots never share a schema entry.
func (e *Engine) nextParamName(argKey string, taken map[string]struct{}) string {
	base := "param_" + argKey
	if _, exists := taken[base]; !exists {
		return base
	}
	e.mu.Lock()
	e.paramID++
	id := e.paramID
	e.mu.Unlock()
	return fmt.Sprintf("%s_%d", base, id)
}

func sessionIDList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func confidenceFor(distinctSessions int) float64 {
	c := 0.5 + 0.1*float64(distinctSessions)
	if c > 1.0 {
		c = 1.0
	}
	return c
}

func reinforce(existing, fresh *types.VidhiRecord, now time.Time) {
	seen := make(map[string]struct{}, len(existing.LearnedFrom))
	for _, id := range existing.LearnedFrom {
		seen[id] = struct{}{}
	}
	for _, id := range fresh.LearnedFrom {
		if _, ok := seen[id]; !ok {
			existing.LearnedFrom = append(existing.LearnedFrom, id)
			seen[id] = struct{}{}
		}
	}
	existing.Confidence += fresh.Confidence * 0.1
	if existing.Confidence > 1.0 {
		existing.Confidence = 1.0
	}
	existing.UpdatedAt = now
}

// Persist upserts v directly, bypassing extraction — used when a host
// constructs a VidhiRecord out of band (spec.md §4.5's persist(vidhi)).
func (e *Engine) Persist(ctx context.Context, v *types.VidhiRecord) error {
	return e.repo.Save(ctx, v)
}

// LoadAll returns every vidhi persisted for project.
func (e *Engine) LoadAll(ctx context.Context, project string) ([]*types.VidhiRecord, error) {
	return e.repo.LoadByProject(ctx, project)
}

// GetVidhi returns one vidhi by id, or nil if absent.
func (e *Engine) GetVidhi(ctx context.Context, id string) (*types.VidhiRecord, error) {
	return e.repo.LoadByID(ctx, id)
}

// Retire removes a vidhi permanently (spec.md §3 "removed only by explicit
// retirement"; SPEC_FULL.md §9 supplements this as a first-class op).
func (e *Engine) Retire(ctx context.Context, id string) error {
	return e.repo.Delete(ctx, id)
}

// RecordOutcome updates successCount/failureCount and successRate for id.
// No-op if id is unknown.
func (e *Engine) RecordOutcome(ctx context.Context, id string, success bool) error {
	v, err := e.repo.LoadByID(ctx, id)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if success {
		v.SuccessCount++
	} else {
		v.FailureCount++
	}
	v.UpdatedAt = e.clock.Now()
	return e.repo.Save(ctx, v)
}
