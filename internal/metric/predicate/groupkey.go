package predicate

import "strings"

// GroupKey partitions events by the declared group-by properties, in
// declared order. A missing property contributes an empty value.
func GroupKey(props map[string]any, keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+Stringify(props[key]))
	}
	return strings.Join(parts, "|")
}

// ParseGroupKey reverses GroupKey into its dimension values.
func ParseGroupKey(key string) map[string]string {
	out := map[string]string{}
	if key == "" {
		return out
	}
	for _, part := range strings.Split(key, "|") {
		name, value, _ := strings.Cut(part, "=")
		out[name] = value
	}
	return out
}
