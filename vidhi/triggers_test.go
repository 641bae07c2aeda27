package vidhi

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sriinnu/chitragupta/types"
)

func TestExtractTriggers_FindsVerbObjectPhrase(t *testing.T) {
	instances := []instance{
		{sessionID: "s1", precedingUser: "please edit the config file", calls: []types.ToolCallRecord{}},
		{sessionID: "s2", precedingUser: "please edit the config file", calls: []types.ToolCallRecord{}}, // dup text
		{sessionID: "s3", precedingUser: "edit config again", calls: []types.ToolCallRecord{}},
	}
	triggers := extractTriggers(instances)
	assert.NotEmpty(t, triggers)
	assert.Contains(t, triggers, "edit config")
}

func TestExtractTriggers_CapsAtTen(t *testing.T) {
	verbs := []string{"create", "make", "build", "add", "update", "edit", "delete", "remove", "fix", "run", "deploy"}
	var instances []instance
	for i, v := range verbs {
		instances = append(instances, instance{
			sessionID:     string(rune('a' + i)),
			precedingUser: v + " thing" + string(rune('a'+i)),
		})
	}
	triggers := extractTriggers(instances)
	assert.LessOrEqual(t, len(triggers), 10)
}

func TestTokenizeAndRemoveStopWords(t *testing.T) {
	toks := tokenize("Please Edit the Config-File now!")
	assert.Equal(t, []string{"please", "edit", "the", "config", "file", "now"}, toks)

	filtered := removeStopWords(toks)
	assert.NotContains(t, filtered, "the")
	assert.NotContains(t, filtered, "please")
	assert.Contains(t, filtered, "edit")
}
