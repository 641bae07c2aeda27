package vidhi

import (
	"context"
	"sort"

	"github.com/sriinnu/chitragupta/types"
)

// Match tokenizes query after stop-word removal and returns the vidhi
// whose triggers best match it, or nil if the query is empty or every
// candidate's Jaccard similarity is zero (spec.md §4.5 "match").
func (e *Engine) Match(ctx context.Context, project, query string) (*types.VidhiRecord, error) {
	tokens := removeStopWords(tokenize(query))
	if len(tokens) == 0 {
		return nil, nil
	}
	queryTokens := toSet(tokens)

	vidhis, err := e.repo.LoadByProject(ctx, project)
	if err != nil {
		return nil, err
	}

	var best *types.VidhiRecord
	bestScore := 0.0
	bestJaccard := 0.0

	for _, v := range vidhis {
		triggerTokens := triggerTokenSet(v.Triggers)
		jaccard := jaccardSimilarity(queryTokens, triggerTokens)
		if jaccard <= 0 {
			continue
		}
		u := betaSample(float64(v.SuccessCount+1), float64(v.FailureCount+1))
		score := jaccard * u
		if best == nil || score > bestScore {
			best = v
			bestScore = score
			bestJaccard = jaccard
		}
	}

	if best == nil || bestJaccard <= 0 {
		if e.tel != nil {
			e.tel.RecordVidhiMatch(ctx, project, false)
		}
		return nil, nil
	}
	if e.tel != nil {
		e.tel.RecordVidhiMatch(ctx, project, true)
	}
	return best.Clone(), nil
}

// GetVidhis samples one Beta(successCount+1, failureCount+1) draw per
// vidhi for project and returns the top K by that draw (spec.md §4.5
// "getVidhis").
func (e *Engine) GetVidhis(ctx context.Context, project string, topK int) ([]*types.VidhiRecord, error) {
	vidhis, err := e.repo.LoadByProject(ctx, project)
	if err != nil {
		return nil, err
	}

	type scored struct {
		v     *types.VidhiRecord
		score float64
	}
	ranked := make([]scored, len(vidhis))
	for i, v := range vidhis {
		ranked[i] = scored{v: v, score: betaSample(float64(v.SuccessCount+1), float64(v.FailureCount+1))}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]*types.VidhiRecord, topK)
	for i := 0; i < topK; i++ {
		out[i] = ranked[i].v.Clone()
	}
	return out, nil
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func triggerTokenSet(triggers []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, trigger := range triggers {
		for _, tok := range tokenize(trigger) {
			set[tok] = struct{}{}
		}
	}
	return set
}

func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
