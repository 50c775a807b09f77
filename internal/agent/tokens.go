package agent

import (
	"roomchat/internal/domain"
)

// EstimateTokens approximates the generation-model token count of s.
// CJK unified ideographs (U+4E00..U+9FA5) count one token each; every other
// character counts a quarter token. The total is rounded up.
func EstimateTokens(s string) int {
	var cjk, other int
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FA5 {
			cjk++
		} else {
			other++
		}
	}
	return cjk + (other+3)/4
}

// EstimateContextTokens sums the estimate over the system prompt and every message.
func EstimateContextTokens(c *domain.AIContext) int {
	total := EstimateTokens(c.SystemPrompt)
	for _, m := range c.Messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
