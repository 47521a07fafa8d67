package normalizer

import (
	"unicode/utf8"

	"github.com/upb/llm-gateway/services/providers"
)

// EstimateTokens approximates a token count as ceil(characters/4)
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// EstimatePromptTokens sums the estimates of every message's content
func EstimatePromptTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
