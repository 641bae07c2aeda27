package vidhi

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/sriinnu/chitragupta/types"
)

// antiUnify compares argument values across every instance of c at each
// step position; a value that is identical across all instances stays a
// literal, otherwise it is replaced with a "${param_<argKey>}" placeholder
// (see Engine.nextParamName) and a VidhiParam is emitted describing it
// (spec.md §4.5 step 7).
func antiUnify(c *candidate, e *Engine) ([]map[string]interface{}, map[string]types.VidhiParam) {
	n := len(c.toolNames)
	templates := make([]map[string]interface{}, n)
	params := make(map[string]types.VidhiParam)

	for step := 0; step < n; step++ {
		argKeys := collectArgKeys(c.instances, step)
		template := make(map[string]interface{}, len(argKeys))

		for _, argKey := range argKeys {
			values := collectArgValues(c.instances, step, argKey)
			if allEqual(values) {
				template[argKey] = values[0]
				continue
			}

			taken := make(map[string]struct{}, len(params))
			for existing := range params {
				taken[existing] = struct{}{}
			}
			name := e.nextParamName(argKey, taken)
			template[argKey] = "${" + name + "}"
			params[name] = types.VidhiParam{
				Name:        name,
				Type:        inferType(values),
				Description: fmt.Sprintf("value observed for %s argument %q", c.toolNames[step], argKey),
				Required:    true,
				Examples:    distinctExamples(values, 5),
			}
		}
		templates[step] = template
	}
	return templates, params
}

func collectArgKeys(instances []instance, step int) []string {
	seen := make(map[string]struct{})
	for _, inst := range instances {
		for k := range inst.calls[step].Input {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collectArgValues(instances []instance, step int, argKey string) []interface{} {
	values := make([]interface{}, len(instances))
	for i, inst := range instances {
		values[i] = inst.calls[step].Input[argKey]
	}
	return values
}

func allEqual(values []interface{}) bool {
	if len(values) == 0 {
		return true
	}
	first := values[0]
	for _, v := range values[1:] {
		if !reflect.DeepEqual(first, v) {
			return false
		}
	}
	return true
}

// inferType maps a Go dynamic value to Vidhi's {string,number,boolean}
// type set; mixed types across instances collapse to "string".
func inferType(values []interface{}) string {
	kind := ""
	for _, v := range values {
		var k string
		switch v.(type) {
		case string:
			k = "string"
		case float64, float32, int, int64, int32:
			k = "number"
		case bool:
			k = "boolean"
		default:
			k = "string"
		}
		if kind == "" {
			kind = k
		} else if kind != k {
			return "string"
		}
	}
	if kind == "" {
		return "string"
	}
	return kind
}

func distinctExamples(values []interface{}, max int) []interface{} {
	out := make([]interface{}, 0, max)
	seen := make([]interface{}, 0, len(values))
	for _, v := range values {
		dup := false
		for _, s := range seen {
			if reflect.DeepEqual(s, v) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen = append(seen, v)
		out = append(out, v)
		if len(out) >= max {
			break
		}
	}
	return out
}
