package availability

import "strings"

// NormalizeModel lowercases, maps spaces to '-', and strips everything
// outside [a-z0-9-]. "Gemini 3 Pro" and "gemini-3-pro" key identically.
func NormalizeModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	model = strings.ReplaceAll(model, " ", "-")
	var b strings.Builder
	for _, r := range model {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeAccount lowercases and strips everything outside [a-z0-9@.-].
func NormalizeAccount(account string) string {
	account = strings.ToLower(strings.TrimSpace(account))
	var b strings.Builder
	for _, r := range account {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '@' || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
