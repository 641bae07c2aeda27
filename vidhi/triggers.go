package vidhi

import (
	"regexp"
	"sort"
	"strings"
)

// actionVerbs is the small curated verb set spec.md §4.5 step 8 calls for.
// Kept deliberately short; it exists to recognize imperative requests, not
// to parse natural language generally.
var actionVerbs = map[string]struct{}{
	"create": {}, "make": {}, "build": {}, "add": {}, "update": {}, "edit": {},
	"delete": {}, "remove": {}, "fix": {}, "run": {}, "deploy": {}, "test": {},
	"check": {}, "review": {}, "refactor": {}, "write": {}, "read": {},
	"search": {}, "find": {}, "list": {}, "show": {}, "generate": {}, "install": {},
	"configure": {}, "migrate": {}, "debug": {}, "analyze": {}, "summarize": {},
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "to": {}, "of": {}, "in": {}, "on": {}, "for": {}, "with": {},
	"at": {}, "by": {}, "from": {}, "this": {}, "that": {}, "it": {}, "its": {},
	"please": {}, "can": {}, "you": {}, "i": {}, "me": {}, "my": {}, "we": {}, "do": {},
}

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(text string) []string {
	return tokenRe.FindAllString(strings.ToLower(text), -1)
}

func removeStopWords(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := stopWords[t]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// extractTriggers tokenizes every instance's preceding user turn, pulls
// verb+object bigrams and verb+object+object trigrams anchored on
// actionVerbs, frequency-ranks them, dedupes, and keeps the top 10 (spec.md
// §4.5 step 8).
func extractTriggers(instances []instance) []string {
	freq := make(map[string]int)
	seenText := make(map[string]struct{})

	for _, inst := range instances {
		text := inst.precedingUser
		if text == "" {
			continue
		}
		if _, dup := seenText[text]; dup {
			continue
		}
		seenText[text] = struct{}{}

		tokens := tokenize(text)
		for i, tok := range tokens {
			if _, isVerb := actionVerbs[tok]; !isVerb {
				continue
			}
			if i+1 < len(tokens) {
				obj := tokens[i+1]
				if _, stop := stopWords[obj]; !stop {
					freq[tok+" "+obj]++
				}
			}
			if i+2 < len(tokens) {
				obj1, obj2 := tokens[i+1], tokens[i+2]
				_, stop1 := stopWords[obj1]
				_, stop2 := stopWords[obj2]
				if !stop1 && !stop2 {
					freq[tok+" "+obj1+" "+obj2]++
				}
			}
		}
	}

	type scored struct {
		phrase string
		count  int
	}
	ranked := make([]scored, 0, len(freq))
	for phrase, count := range freq {
		ranked = append(ranked, scored{phrase, count})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].phrase < ranked[j].phrase
	})

	out := make([]string, 0, 10)
	for _, r := range ranked {
		out = append(out, r.phrase)
		if len(out) == 10 {
			break
		}
	}
	return out
}
