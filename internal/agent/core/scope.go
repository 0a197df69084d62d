package core

import "strings"

// Phrases that take a request outside the assistant's remit: prompt
// injection, credential fishing, or attempts to rewrite the assistant's
// instructions. Matching is substring-based on the lowered request text.
var outOfScopePhrases = []string{
	"ignore previous instructions",
	"ignore your instructions",
	"disregard your instructions",
	"system prompt",
	"api_key",
	"api key",
	"reveal your",
	"your credentials",
	"signing secret",
	"jailbreak",
}

// IsOutOfScope reports whether the raw request should be refused before
// planning ever starts. A rejected request invokes no tools.
func IsOutOfScope(query string) bool {
	q := strings.ToLower(query)
	for _, phrase := range outOfScopePhrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}

// RefusalSummary is the canned response for out-of-scope requests.
const RefusalSummary = "I can only help with customer-success questions about your accounts, like health status, usage, tickets, contracts, emails, and QBRs. I can't help with that request."
