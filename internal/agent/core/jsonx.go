package core

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Model output rarely arrives as clean JSON; it shows up wrapped in prose,
// markdown fences, or with trailing commentary. ExtractJSONObject runs an
// explicitly ordered chain of parse attempts: strict parse, fenced code
// block, first balanced {...} substring, give up. Each step is pure and
// independently testable.

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSONObject returns the first JSON object recoverable from s.
func ExtractJSONObject(s string) (json.RawMessage, bool) {
	if raw, ok := parseStrict(s); ok {
		return raw, true
	}
	if body, ok := extractFenced(s); ok {
		if raw, ok := parseStrict(body); ok {
			return raw, true
		}
	}
	if body, ok := extractBalanced(s); ok {
		if raw, ok := parseStrict(body); ok {
			return raw, true
		}
	}
	return nil, false
}

// DecodeLoose salvages a JSON object from s and unmarshals it into out.
func DecodeLoose(s string, out interface{}) bool {
	raw, ok := ExtractJSONObject(s)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// parseStrict accepts s only if it is, after trimming, exactly one JSON
// object.
func parseStrict(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	if !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.RawMessage(s), true
}

// extractFenced pulls the body of the first ```json fenced block.
func extractFenced(s string) (string, bool) {
	m := fencedBlockRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// extractBalanced scans for the first brace-balanced {...} substring,
// ignoring braces inside string literals.
func extractBalanced(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
