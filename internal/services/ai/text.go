package ai

import (
	"encoding/json"
	"strings"
)

const maxErrorBody = 512

// mergeStreamText folds a fragment into the accumulated text. A fragment
// that extends the accumulator is a snapshot and replaces it; one the
// accumulator already starts with is a stale repeat; anything else is an
// incremental delta.
func mergeStreamText(acc, fragment string) string {
	switch {
	case fragment == "":
		return acc
	case strings.HasPrefix(fragment, acc):
		return fragment
	case strings.HasPrefix(acc, fragment):
		return acc
	default:
		return acc + fragment
	}
}

// mergeDelta merges fragment and reports the newly visible suffix.
func mergeDelta(acc, fragment string) (merged, delta string) {
	merged = mergeStreamText(acc, fragment)
	if merged == acc {
		return acc, ""
	}
	if strings.HasPrefix(merged, acc) {
		return merged, merged[len(acc):]
	}
	return merged, merged
}

// extractText pulls reply text out of the payload shapes gateways send:
// a bare string, content, text, delta.content, delta.text, message as a
// string or object, and content as an array of parts.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return textOf(v)
}

func textOf(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		return joinParts(t)
	case map[string]interface{}:
		if s := textOf(t["content"]); s != "" {
			return s
		}
		if s, ok := t["text"].(string); ok && s != "" {
			return s
		}
		if delta, ok := t["delta"].(map[string]interface{}); ok {
			if s, ok := delta["content"].(string); ok && s != "" {
				return s
			}
			if s, ok := delta["text"].(string); ok && s != "" {
				return s
			}
		}
		if msg, ok := t["message"]; ok {
			return textOf(msg)
		}
	}
	return ""
}

func joinParts(parts []interface{}) string {
	var b strings.Builder
	for _, p := range parts {
		switch part := p.(type) {
		case string:
			b.WriteString(part)
		case map[string]interface{}:
			if s, ok := part["text"].(string); ok {
				b.WriteString(s)
			}
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
