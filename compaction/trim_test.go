package compaction

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/obra/lace/thread"
	"github.com/obra/lace/types"
)

func TestTrimToolResults(t *testing.T) {
	events := []*thread.Event{
		mkEvent(t, "1", thread.EventUserMessage, "List everything"),
		mkEvent(t, "2", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "ok"}),
		mkEvent(t, "3", thread.EventToolCall, mkCall("c1", "bash", `{"command":"ls"}`)),
		mkEvent(t, "4", thread.EventToolResult, types.TextResult("c1", multiLineText(10), false)),
		mkEvent(t, "5", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "done"}),
	}

	payload, err := NewTrimToolResults().Compact(context.Background(), events, StrategyContext{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if payload.StrategyID != "trim-tool-results" {
		t.Errorf("strategy id = %q", payload.StrategyID)
	}
	if payload.OriginalEventCount != 5 {
		t.Errorf("original event count = %d, want 5", payload.OriginalEventCount)
	}
	if len(payload.CompactedEvents) != 5 {
		t.Fatalf("got %d events, want 5", len(payload.CompactedEvents))
	}
	if got := payload.Metadata["toolResultsTrimmed"]; got != 1 {
		t.Errorf("toolResultsTrimmed = %v, want 1", got)
	}

	result, err := payload.CompactedEvents[3].ToolResult()
	if err != nil {
		t.Fatal(err)
	}
	text := result.Text()
	if !strings.HasSuffix(text, TrimSentinel) {
		t.Errorf("trimmed text should end with sentinel, got %q", text)
	}
	content := strings.TrimSuffix(text, "\n"+TrimSentinel)
	if lines := strings.Split(content, "\n"); len(lines) != 3 {
		t.Errorf("kept %d lines, want 3: %q", len(lines), content)
	}
	if result.ID != "c1" {
		t.Errorf("trimmed result lost its call id: %q", result.ID)
	}

	// Every tool call still pairs with its trimmed result.
	if err := CheckPairing(payload.CompactedEvents); err != nil {
		t.Errorf("pairing violated after trim: %v", err)
	}

	// Non-result events are byte-identical.
	for _, i := range []int{0, 1, 2, 4} {
		if !bytes.Equal(payload.CompactedEvents[i].Data, events[i].Data) {
			t.Errorf("event %d payload changed", i)
		}
	}
}

func TestTrimLeavesShortResultsAlone(t *testing.T) {
	events := []*thread.Event{
		mkEvent(t, "1", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "ok"}),
		mkEvent(t, "2", thread.EventToolCall, mkCall("c1", "bash", `{}`)),
		mkEvent(t, "3", thread.EventToolResult, types.TextResult("c1", "a\nb", false)),
	}

	payload, err := NewTrimToolResults().Compact(context.Background(), events, StrategyContext{})
	if err != nil {
		t.Fatal(err)
	}

	if got := payload.Metadata["toolResultsTrimmed"]; got != 0 {
		t.Errorf("toolResultsTrimmed = %v, want 0", got)
	}
	result, err := payload.CompactedEvents[2].ToolResult()
	if err != nil {
		t.Fatal(err)
	}
	if result.Text() != "a\nb" {
		t.Errorf("short result changed: %q", result.Text())
	}
}

func TestTrimPreservesUserMessagesIdentically(t *testing.T) {
	events := []*thread.Event{
		mkEvent(t, "1", thread.EventUserMessage, "first intent"),
		mkEvent(t, "2", thread.EventToolCall, mkCall("c1", "bash", `{}`)),
		mkEvent(t, "3", thread.EventToolResult, types.TextResult("c1", multiLineText(8), false)),
		mkEvent(t, "4", thread.EventUserMessage, "second intent"),
	}

	payload, err := NewTrimToolResults().Compact(context.Background(), events, StrategyContext{})
	if err != nil {
		t.Fatal(err)
	}

	texts := eventTexts(t, payload.CompactedEvents, thread.EventUserMessage)
	want := []string{"first intent", "second intent"}
	if len(texts) != len(want) {
		t.Fatalf("got %d user messages, want %d", len(texts), len(want))
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("user message %d = %q, want %q", i, texts[i], want[i])
		}
	}
}

func TestTrimEmptyInput(t *testing.T) {
	_, err := NewTrimToolResults().Compact(context.Background(), nil, StrategyContext{})
	if err == nil {
		t.Error("expected error for empty input")
	}
}
