package relay

// estimateTokens approximates token usage from character count, roughly 4
// characters per token for English text, rounded up. It is an estimate for
// UI display only, never reconciled against vendor-reported usage and never
// a billing figure.
func estimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
