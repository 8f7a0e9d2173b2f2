// Package tokenutil estimates token counts for usage reporting.
//
// The agent surface exposes no tokenizer, so counts are the standard
// chars/4 approximation and must be treated as non-authoritative.
package tokenutil

// EstimateTokens returns ceil(len(content)/4).
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}
