package compaction

import (
	"context"
	"encoding/json"

	"github.com/obra/lace/provider"
	"github.com/obra/lace/types"
)

// TokenCounter measures the token footprint of a folded conversation.
// The provider's counting endpoint is the authoritative oracle when
// available; otherwise a character-based approximation is used. The
// approximation deliberately over-estimates so compaction triggers
// early rather than late.
type TokenCounter struct {
	provider provider.Provider
	fallback bool // set after the provider first fails to count
}

// NewTokenCounter creates a counter over the given provider.
// A nil provider always approximates.
func NewTokenCounter(p provider.Provider) *TokenCounter {
	return &TokenCounter{provider: p}
}

// Count returns the token footprint of the conversation.
func (tc *TokenCounter) Count(ctx context.Context, messages []types.ProviderMessage, tools []provider.ToolDefinition) int {
	if tc.provider != nil && !tc.fallback {
		count, err := tc.provider.CountTokens(ctx, messages, tools)
		if err == nil {
			return count
		}
		tc.fallback = true
	}

	return ApproximateConversationTokens(messages)
}

// UsedFallback reports whether the counter has switched to approximation.
func (tc *TokenCounter) UsedFallback() bool {
	return tc.fallback
}

// ApproximateConversationTokens estimates tokens for a conversation
// from the serialized payload text.
func ApproximateConversationTokens(messages []types.ProviderMessage) int {
	total := 0
	for i := range messages {
		msg := &messages[i]
		// Structural overhead per message.
		total += 4
		total += ApproximateTokens(msg.Content)
		for _, call := range msg.ToolCalls {
			total += 10 + ApproximateTokens(call.Name) + ApproximateTokens(string(call.Arguments))
		}
		for _, result := range msg.ToolResults {
			total += 10 + ApproximateTokens(result.Text())
			for _, block := range result.Content {
				if block.Type != types.ContentTypeText {
					// Non-text blocks are costed from their serialized form.
					raw, _ := json.Marshal(block)
					total += ApproximateTokens(string(raw))
				}
			}
		}
	}
	return total
}

// ApproximateTokens estimates token count from character count, at
// ~4 characters per token, rounding up.
func ApproximateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	tokens := (len(text) + 3) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
