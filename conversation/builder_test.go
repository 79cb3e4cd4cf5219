package conversation

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obra/lace/thread"
	"github.com/obra/lace/types"
)

var eventClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ev(t *testing.T, id string, eventType thread.EventType, payload any) *thread.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	eventClock = eventClock.Add(time.Second)
	return &thread.Event{
		ID:        id,
		ThreadID:  "t",
		Type:      eventType,
		Timestamp: eventClock,
		Data:      data,
	}
}

func call(id, name string, args string) types.ToolCall {
	return types.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestBuildSimpleExchange(t *testing.T) {
	events := []*thread.Event{
		ev(t, "1", thread.EventUserMessage, "Hi"),
		ev(t, "2", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "Hello!"}),
	}

	messages, err := BuildConversation(events)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, types.RoleUser, messages[0].Role)
	assert.Equal(t, "Hi", messages[0].Content)
	assert.Equal(t, types.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hello!", messages[1].Content)
}

func TestBuildSystemPromptsLead(t *testing.T) {
	events := []*thread.Event{
		ev(t, "1", thread.EventUserMessage, "Hi"),
		ev(t, "2", thread.EventSystemPrompt, "base prompt"),
		ev(t, "3", thread.EventUserSystemPrompt, "user prompt"),
	}

	messages, err := BuildConversation(events)
	require.NoError(t, err)
	require.NotEmpty(t, messages)

	assert.Equal(t, types.RoleSystem, messages[0].Role)
	assert.Equal(t, "base prompt\n\nuser prompt", messages[0].Content)
	// Exactly one system message.
	for _, msg := range messages[1:] {
		assert.NotEqual(t, types.RoleSystem, msg.Role)
	}
}

func TestBuildToolCallsAttachToAgentMessage(t *testing.T) {
	events := []*thread.Event{
		ev(t, "1", thread.EventUserMessage, "List files"),
		ev(t, "2", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "ok"}),
		ev(t, "3", thread.EventToolCall, call("c1", "bash", `{"command":"ls"}`)),
		ev(t, "4", thread.EventToolCall, call("c2", "bash", `{"command":"pwd"}`)),
		ev(t, "5", thread.EventToolResult, types.TextResult("c1", "a\nb", false)),
		ev(t, "6", thread.EventToolResult, types.TextResult("c2", "/tmp", false)),
		ev(t, "7", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "done"}),
	}

	messages, err := BuildConversation(events)
	require.NoError(t, err)
	require.Len(t, messages, 4)

	assistant := messages[1]
	assert.Equal(t, types.RoleAssistant, assistant.Role)
	assert.Equal(t, "ok", assistant.Content)
	require.Len(t, assistant.ToolCalls, 2)
	assert.Equal(t, "c1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "c2", assistant.ToolCalls[1].ID)

	results := messages[2]
	assert.Equal(t, types.RoleUser, results.Role)
	assert.Empty(t, results.Content)
	require.Len(t, results.ToolResults, 2)
	assert.Equal(t, "c1", results.ToolResults[0].ID)

	assert.Equal(t, "done", messages[3].Content)
}

func TestBuildConsecutiveAgentMessagesStaySeparate(t *testing.T) {
	events := []*thread.Event{
		ev(t, "1", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "first"}),
		ev(t, "2", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "second"}),
	}

	messages, err := BuildConversation(events)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)
}

func TestBuildLocalSystemMessageIsPrefixedUser(t *testing.T) {
	events := []*thread.Event{
		ev(t, "1", thread.EventLocalSystemMessage, "conversation compacted"),
	}

	messages, err := BuildConversation(events)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, types.RoleUser, messages[0].Role)
	assert.Equal(t, LocalSystemPrefix+"conversation compacted", messages[0].Content)
}

func TestBuildStreamingEventsIgnored(t *testing.T) {
	events := []*thread.Event{
		ev(t, "1", thread.EventUserMessage, "Hi"),
		ev(t, "2", thread.EventAgentStreaming, "Hel"),
		ev(t, "3", thread.EventAgentStreaming, "Hello"),
		ev(t, "4", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "Hello!"}),
	}

	messages, err := BuildConversation(events)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestBuildCompactionSpliced(t *testing.T) {
	inner := []*thread.Event{
		ev(t, "i1", thread.EventUserMessage, "original question"),
		ev(t, "i2", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "original answer"}),
	}
	payload := thread.CompactionPayload{
		StrategyID:         "trim-tool-results",
		OriginalEventCount: 5,
		CompactedEvents:    []thread.Event{*inner[0], *inner[1]},
	}

	events := []*thread.Event{
		ev(t, "1", thread.EventCompaction, payload),
		ev(t, "2", thread.EventUserMessage, "follow-up"),
	}

	messages, err := BuildConversation(events)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "original question", messages[0].Content)
	assert.Equal(t, "original answer", messages[1].Content)
	assert.Equal(t, "follow-up", messages[2].Content)
}

func TestBuildOrphanedCallsAndResultsPreserved(t *testing.T) {
	events := []*thread.Event{
		ev(t, "1", thread.EventAgentMessage, thread.AgentMessagePayload{Content: "ok"}),
		ev(t, "2", thread.EventToolCall, call("c1", "bash", `{}`)),
		// No result for c1; an orphaned result for c9 follows later.
		ev(t, "3", thread.EventToolResult, types.TextResult("c9", "late", false)),
	}

	messages, err := BuildConversation(events)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Len(t, messages[0].ToolCalls, 1)
	assert.Equal(t, "c1", messages[0].ToolCalls[0].ID)
	require.Len(t, messages[1].ToolResults, 1)
	assert.Equal(t, "c9", messages[1].ToolResults[0].ID)
}

// Folding is deterministic on its input and independent of event id
// suffixes.
func TestBuildDeterminismIndependentOfIDs(t *testing.T) {
	build := func(suffix string) []types.ProviderMessage {
		events := []*thread.Event{
			ev(t, "a"+suffix, thread.EventUserMessage, "Hi"),
			ev(t, "b"+suffix, thread.EventAgentMessage, thread.AgentMessagePayload{Content: "ok"}),
			ev(t, "c"+suffix, thread.EventToolCall, call("c1", "echo", `{"text":"x"}`)),
			ev(t, "d"+suffix, thread.EventToolResult, types.TextResult("c1", "x", false)),
			ev(t, "e"+suffix, thread.EventAgentMessage, thread.AgentMessagePayload{Content: "done"}),
		}
		messages, err := BuildConversation(events)
		require.NoError(t, err)
		return messages
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, build("-x"), build(fmt.Sprintf("-y%d", i)))
	}
}
