package vidhi

import (
	"sort"
	"strings"

	"github.com/sriinnu/chitragupta/types"
)

// flatCall is one tool call inside a session's flattened turn sequence,
// tagged with the text of the nearest preceding user turn (used later for
// trigger extraction).
type flatCall struct {
	call          types.ToolCallRecord
	precedingUser string
}

func flattenSession(s types.SessionRecord) []flatCall {
	var out []flatCall
	lastUser := ""
	for _, t := range s.Turns {
		if t.Role == "user" {
			lastUser = t.Content
		}
		for _, c := range t.ToolCalls {
			out = append(out, flatCall{call: c, precedingUser: lastUser})
		}
	}
	return out
}

// instance is one observed occurrence of a candidate's tool-name key.
type instance struct {
	sessionID     string
	calls         []types.ToolCallRecord
	precedingUser string
}

// candidate aggregates every instance sharing one `|`-joined tool-name key.
type candidate struct {
	key        string
	toolNames  []string
	sessionIDs map[string]struct{}
	instances  []instance
}

// buildWindows slides windows of size n in [minLen, maxLen] over every
// session's flattened tool-call list, skipping any window containing an
// error call, and aggregates instances by joined tool-name key. Returns
// the keyed aggregates plus the total window count examined (spec.md §4.5
// steps 2-4).
func buildWindows(sessions []types.SessionRecord, minLen, maxLen int) (map[string]*candidate, int) {
	agg := make(map[string]*candidate)
	total := 0

	for _, s := range sessions {
		flat := flattenSession(s)
		for n := minLen; n <= maxLen; n++ {
			if n <= 0 || n > len(flat) {
				continue
			}
			for start := 0; start+n <= len(flat); start++ {
				window := flat[start : start+n]
				total++

				hasError := false
				names := make([]string, n)
				calls := make([]types.ToolCallRecord, n)
				for i, fc := range window {
					if fc.call.IsError {
						hasError = true
					}
					names[i] = fc.call.Name
					calls[i] = fc.call
				}
				if hasError {
					continue
				}

				key := strings.Join(names, "|")
				c, ok := agg[key]
				if !ok {
					c = &candidate{key: key, toolNames: names, sessionIDs: make(map[string]struct{})}
					agg[key] = c
				}
				c.sessionIDs[s.ID] = struct{}{}
				c.instances = append(c.instances, instance{
					sessionID:     s.ID,
					calls:         calls,
					precedingUser: window[0].precedingUser,
				})
			}
		}
	}
	return agg, total
}

// filterByMinSessions discards keys observed in fewer than minSessions
// distinct sessions (spec.md §4.5 step 5).
func filterByMinSessions(agg map[string]*candidate, minSessions int) []*candidate {
	out := make([]*candidate, 0, len(agg))
	for _, c := range agg {
		if len(c.sessionIDs) >= minSessions {
			out = append(out, c)
		}
	}
	return out
}

// rankCandidates orders by |distinctSessionIds| * n descending, favoring
// longer, more-observed sequences (spec.md §4.5 step 6).
func rankCandidates(candidates []*candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		si := len(candidates[i].sessionIDs) * len(candidates[i].toolNames)
		sj := len(candidates[j].sessionIDs) * len(candidates[j].toolNames)
		if si != sj {
			return si > sj
		}
		return candidates[i].key < candidates[j].key
	})
}

func buildName(toolNames []string) string {
	return strings.Join(toolNames, " -> ")
}

func buildSteps(toolNames []string, argTemplates []map[string]interface{}) []types.VidhiStep {
	steps := make([]types.VidhiStep, len(toolNames))
	for i, name := range toolNames {
		steps[i] = types.VidhiStep{
			Index:       i,
			ToolName:    name,
			ArgTemplate: argTemplates[i],
		}
	}
	return steps
}
