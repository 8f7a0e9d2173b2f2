package shared

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	// Bearer tokens in header-shaped strings.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`),
	// key=value style assignments for sensitive keys.
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[=:]\s*\S+`),
}

// Redact replaces secret-looking substrings with a placeholder.
// Used by the log handler so prompt text containing pasted credentials
// never reaches the log file verbatim.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, re := range secretPatterns {
		out = re.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}

// SensitiveKey reports whether a log attribute key should be fully redacted.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, tok := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
