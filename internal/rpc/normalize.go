package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// normalizeParams rewrites camelCase object keys to snake_case at every
// nesting level, so clients may send either convention. It also reports
// whether a top-level "confidence" key was present, which record handlers
// need to distinguish an explicit 0.0 from an absent field.
func normalizeParams(raw json.RawMessage) (json.RawMessage, bool, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{}`), false, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false, fmt.Errorf("params must be an object: %w", err)
	}

	normalized := normalizeMap(obj)
	_, hasConfidence := normalized["confidence"]

	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, false, err
	}
	return out, hasConfidence, nil
}

func normalizeMap(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[snakeCase(k)] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}

// snakeCase converts camelCase to snake_case. Keys already in snake_case
// pass through unchanged; consecutive capitals stay together (agentID
// becomes agent_id, not agent_i_d).
func snakeCase(s string) string {
	if !strings.ContainsFunc(s, unicode.IsUpper) {
		return s
	}

	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if !unicode.IsUpper(r) {
			b.WriteRune(r)
			continue
		}
		prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
		prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
		nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if prevLower || (prevUpper && nextLower) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
