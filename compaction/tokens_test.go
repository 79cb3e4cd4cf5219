package compaction

import (
	"context"
	"strings"
	"testing"

	"github.com/obra/lace/internal/testutil"
	"github.com/obra/lace/types"
)

func TestApproximateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{text: "", want: 0},
		{text: "a", want: 1},
		{text: "abcd", want: 1},
		{text: "abcde", want: 2},
		{text: strings.Repeat("x", 400), want: 100},
	}

	for _, tt := range tests {
		if got := ApproximateTokens(tt.text); got != tt.want {
			t.Errorf("ApproximateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestCounterPrefersProvider(t *testing.T) {
	prov := testutil.NewFakeProvider()
	prov.TokenErr = nil
	prov.TokenCount = 1234

	counter := NewTokenCounter(prov)
	got := counter.Count(context.Background(), []types.ProviderMessage{
		{Role: types.RoleUser, Content: "hello"},
	}, nil)
	if got != 1234 {
		t.Errorf("Count = %d, want provider's 1234", got)
	}
	if counter.UsedFallback() {
		t.Error("counter should not have fallen back")
	}
}

func TestCounterFallsBackOnProviderError(t *testing.T) {
	prov := testutil.NewFakeProvider() // TokenErr set by default

	counter := NewTokenCounter(prov)
	messages := []types.ProviderMessage{
		{Role: types.RoleUser, Content: strings.Repeat("x", 400)},
	}
	got := counter.Count(context.Background(), messages, nil)
	if got < 100 {
		t.Errorf("fallback estimate = %d, want >= 100", got)
	}
	if !counter.UsedFallback() {
		t.Error("counter should record the fallback")
	}
}

func TestCounterNilProviderApproximates(t *testing.T) {
	counter := NewTokenCounter(nil)
	got := counter.Count(context.Background(), []types.ProviderMessage{
		{Role: types.RoleUser, Content: "hello world"},
	}, nil)
	if got == 0 {
		t.Error("approximation of non-empty conversation should be positive")
	}
}

func TestApproximationCountsToolTraffic(t *testing.T) {
	plain := ApproximateConversationTokens([]types.ProviderMessage{
		{Role: types.RoleAssistant, Content: "ok"},
	})
	withTools := ApproximateConversationTokens([]types.ProviderMessage{
		{
			Role:    types.RoleAssistant,
			Content: "ok",
			ToolCalls: []types.ToolCall{
				{ID: "c1", Name: "bash", Arguments: []byte(`{"command":"ls -la"}`)},
			},
		},
		{
			Role: types.RoleUser,
			ToolResults: []types.ToolResult{
				types.TextResult("c1", strings.Repeat("f", 200), false),
			},
		},
	})
	if withTools <= plain {
		t.Errorf("tool traffic should cost tokens: %d <= %d", withTools, plain)
	}
}
