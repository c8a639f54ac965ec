package accesscontrol

import (
	"regexp"
	"strings"
)

// Client ids come straight out of token claims and are later used as lookup
// keys and log fields, so obviously hostile values are rejected before any
// lookup happens.
var injectionPatterns = []*regexp.Regexp{
	// SQL keywords and comment markers
	regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|union|exec|alter|create|truncate)\b`),
	regexp.MustCompile(`(?i)('|--|;|/\*|\*/|\bor\b\s+\d+\s*=\s*\d+)`),
	// XSS tags and inline handlers
	regexp.MustCompile(`(?i)(<\s*script|<\s*img|<\s*iframe|javascript\s*:|on\w+\s*=)`),
	// Path traversal, plain and encoded
	regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f|%252e)`),
	// Encoded quote/angle-bracket variants
	regexp.MustCompile(`(?i)(%27|%22|%3c|%3e|&#x?\d+;?)`),
}

// suspicious reports whether a client id matches any injection pattern.
func suspicious(clientID string) bool {
	v := strings.TrimSpace(clientID)
	for _, p := range injectionPatterns {
		if p.MatchString(v) {
			return true
		}
	}
	return false
}
