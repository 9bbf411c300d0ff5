// Package tokenutil holds the approximate token arithmetic used by the
// compaction trigger.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// FromBytes converts a byte size into tokens with a fixed divisor.
// A non-positive divisor falls back to 4.
func FromBytes(size int64, bytesPerToken int) int {
	if size <= 0 {
		return 0
	}
	if bytesPerToken <= 0 {
		bytesPerToken = 4
	}
	return int(size / int64(bytesPerToken))
}

// CharBudget converts a token count into an approximate character budget.
func CharBudget(tokens, charsPerToken int) int {
	if tokens <= 0 {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return tokens * charsPerToken
}
