package placement

import (
	"fmt"
	"strings"
)

// ParseSelectors parses "key=value" pairs separated by semicolons, e.g.
// "pool=connectors ; zone = us-east-1a". Whitespace around keys and values is
// ignored. An empty string yields nil.
func ParseSelectors(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid node selector %q: expected key=value", strings.TrimSpace(pair))
		}
		out[k] = v
	}
	return out, nil
}

// ParseTolerations parses semicolon separated tolerations of the form
// "key=value:Effect" (Equal) or "key:Effect" (Exists).
func ParseTolerations(s string) ([]Toleration, error) {
	var out []Toleration
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kv, effect, ok := strings.Cut(item, ":")
		effect = strings.TrimSpace(effect)
		if !ok || effect == "" {
			return nil, fmt.Errorf("invalid toleration %q: missing effect", item)
		}
		switch effect {
		case "NoSchedule", "PreferNoSchedule", "NoExecute":
		default:
			return nil, fmt.Errorf("invalid toleration %q: unknown effect %q", item, effect)
		}
		t := Toleration{Effect: effect, Operator: "Exists"}
		if k, v, hasValue := strings.Cut(kv, "="); hasValue {
			t.Key, t.Value, t.Operator = strings.TrimSpace(k), strings.TrimSpace(v), "Equal"
		} else {
			t.Key = strings.TrimSpace(kv)
		}
		if t.Key == "" {
			return nil, fmt.Errorf("invalid toleration %q: missing key", item)
		}
		out = append(out, t)
	}
	return out, nil
}
