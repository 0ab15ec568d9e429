package agent

import (
	"encoding/json"
	"strings"
)

// flagFromContent extracts a boolean flag from generator output. JSON wins:
// the first {...} object that parses and carries the key as a bool decides.
// Otherwise the verdict falls back to a keyword scan, where any mention of
// failure or rejection reads as false.
func flagFromContent(content, key string) bool {
	if v, ok := jsonFlag(content, key); ok {
		return v
	}
	lower := strings.ToLower(content)
	for _, bad := range []string{"fail", "reject", "not approved", "blocked"} {
		if strings.Contains(lower, bad) {
			return false
		}
	}
	return true
}

func jsonFlag(content, key string) (bool, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return false, false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(content[start:end+1]), &doc); err != nil {
		return false, false
	}
	v, ok := doc[key].(bool)
	return v, ok
}
