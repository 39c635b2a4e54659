package phases

import "strings"

// extractJSONObject tries three strategies, in order, to pull a JSON
// object out of a raw model response: the response as-is, the contents
// of a fenced code block, or the outermost {...} substring — grounded on
// the original's json_prompt.py robust-parse helper (spec.md §4.6.3).
func extractJSONObject(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed
	}

	if fenced, ok := extractFenced(trimmed); ok {
		return fenced
	}

	if start := strings.IndexByte(trimmed, '{'); start >= 0 {
		if end := strings.LastIndexByte(trimmed, '}'); end > start {
			return trimmed[start : end+1]
		}
	}

	return trimmed
}

func extractFenced(s string) (string, bool) {
	const fence = "```"
	start := strings.Index(s, fence)
	if start < 0 {
		return "", false
	}
	rest := s[start+len(fence):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, fence)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
