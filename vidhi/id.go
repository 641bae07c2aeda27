package vidhi

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// deterministicID computes the vidhi id as FNV-1a over
// "<project>|<toolNames>|<normalized argTemplates>" (spec.md §3: "`id`
// (deterministic FNV-1a over category+normalized template)"). Template
// normalization relies on encoding/json's stable, alphabetically-sorted
// map key ordering so two equivalent templates always hash identically.
func deterministicID(project string, toolNames []string, argTemplates []map[string]interface{}) string {
	normalized, err := json.Marshal(argTemplates)
	if err != nil {
		normalized = []byte("{}")
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(project))
	_, _ = h.Write([]byte{'|'})
	for _, name := range toolNames {
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{','})
	}
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write(normalized)

	return fmt.Sprintf("vidhi_%016x", h.Sum64())
}
