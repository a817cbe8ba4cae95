package textutil

import "strings"

// NormalizeStringMap returns a copy of values with keys and values
// whitespace-trimmed. Entries whose trimmed key is empty are dropped;
// a map that ends up empty collapses to nil so callers can treat
// "no metadata" uniformly.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	normalized := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		normalized[key] = strings.TrimSpace(value)
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}
