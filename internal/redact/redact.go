// Package redact strips secret-shaped substrings from user-visible text.
// Every string that leaves the orchestration core passes through here before
// it reaches the event stream, including error-path diagnostics.
package redact

import "regexp"

// Placeholder replaces any matched secret.
const Placeholder = "[REDACTED]"

// Patterns are applied in order. The placeholder itself matches none of them,
// which makes redaction idempotent.
var patterns = []*regexp.Regexp{
	// Authorization bearer tokens.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	// JWT-shaped triples.
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}`),
	// Provider API key prefixes (OpenAI-style).
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	// Cloud access key IDs.
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// Long hex signatures and digests.
	regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`),
}

// String returns s with every secret-shaped substring replaced.
func String(s string) string {
	if s == "" {
		return ""
	}
	for _, re := range patterns {
		s = re.ReplaceAllString(s, Placeholder)
	}
	return s
}

// Strings redacts a slice in place and returns it.
func Strings(in []string) []string {
	for i := range in {
		in[i] = String(in[i])
	}
	return in
}
