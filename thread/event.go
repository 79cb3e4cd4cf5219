// Package thread implements the event-sourced thread store: the
// append-only event log that is the single source of truth for a
// conversation, plus version mapping across compactions and
// hierarchical delegate thread ids.
package thread

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/obra/lace/types"
)

// EventType identifies the kind of a thread event.
type EventType string

const (
	// EventUserMessage carries the text of a user prompt.
	EventUserMessage EventType = "USER_MESSAGE"

	// EventAgentMessage carries the final content of a provider turn,
	// with optional token usage.
	EventAgentMessage EventType = "AGENT_MESSAGE"

	// EventAgentStreaming carries partial content while a response is
	// streaming. Streaming events are transient: they are dispatched to
	// subscribers but not persisted.
	EventAgentStreaming EventType = "AGENT_STREAMING"

	// EventToolCall carries one tool invocation requested by the model.
	EventToolCall EventType = "TOOL_CALL"

	// EventToolResult carries the outcome of a tool invocation, paired
	// with its call by id.
	EventToolResult EventType = "TOOL_RESULT"

	// EventLocalSystemMessage carries locally-visible notices such as
	// compaction summaries and provider-failure reports.
	EventLocalSystemMessage EventType = "LOCAL_SYSTEM_MESSAGE"

	// EventSystemPrompt carries the base system prompt.
	EventSystemPrompt EventType = "SYSTEM_PROMPT"

	// EventUserSystemPrompt carries the user-supplied system prompt
	// appended after the base prompt.
	EventUserSystemPrompt EventType = "USER_SYSTEM_PROMPT"

	// EventCompaction records a thread rewrite: the strategy, the number
	// of events replaced, and the replacement events.
	EventCompaction EventType = "COMPACTION"
)

// AllEventTypes returns all known event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventUserMessage,
		EventAgentMessage,
		EventAgentStreaming,
		EventToolCall,
		EventToolResult,
		EventLocalSystemMessage,
		EventSystemPrompt,
		EventUserSystemPrompt,
		EventCompaction,
	}
}

// IsValid returns true if the event type is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventUserMessage, EventAgentMessage, EventAgentStreaming,
		EventToolCall, EventToolResult, EventLocalSystemMessage,
		EventSystemPrompt, EventUserSystemPrompt, EventCompaction:
		return true
	default:
		return false
	}
}

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Event is an immutable record in a thread's log. Events are ordered by
// (Timestamp, ID); ids are UUIDv7 so lexicographic order breaks
// timestamp ties deterministically.
type Event struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"threadId"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// TokenUsageInfo reports both the tokens of a single message and the
// cumulative tokens of the thread up to and including it.
type TokenUsageInfo struct {
	Message types.TokenUsage `json:"message"`
	Thread  types.TokenUsage `json:"thread"`
}

// AgentMessagePayload is the data of an AGENT_MESSAGE event.
type AgentMessagePayload struct {
	Content    string          `json:"content"`
	TokenUsage *TokenUsageInfo `json:"tokenUsage,omitempty"`
}

// CompactionPayload is the data of a COMPACTION event. Compaction events
// are never folded into provider conversations; their CompactedEvents
// are spliced in their place.
type CompactionPayload struct {
	StrategyID         string         `json:"strategyId"`
	OriginalEventCount int            `json:"originalEventCount"`
	CompactedEvents    []Event        `json:"compactedEvents"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Text decodes the payload of a text-bearing event (USER_MESSAGE,
// LOCAL_SYSTEM_MESSAGE, SYSTEM_PROMPT, USER_SYSTEM_PROMPT,
// AGENT_STREAMING).
func (e *Event) Text() (string, error) {
	var text string
	if err := json.Unmarshal(e.Data, &text); err != nil {
		return "", fmt.Errorf("event %s: decode text payload: %w", e.ID, err)
	}
	return text, nil
}

// AgentMessage decodes the payload of an AGENT_MESSAGE event.
func (e *Event) AgentMessage() (*AgentMessagePayload, error) {
	var payload AgentMessagePayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, fmt.Errorf("event %s: decode agent message payload: %w", e.ID, err)
	}
	return &payload, nil
}

// ToolCall decodes the payload of a TOOL_CALL event.
func (e *Event) ToolCall() (*types.ToolCall, error) {
	var call types.ToolCall
	if err := json.Unmarshal(e.Data, &call); err != nil {
		return nil, fmt.Errorf("event %s: decode tool call payload: %w", e.ID, err)
	}
	return &call, nil
}

// ToolResult decodes the payload of a TOOL_RESULT event.
func (e *Event) ToolResult() (*types.ToolResult, error) {
	var result types.ToolResult
	if err := json.Unmarshal(e.Data, &result); err != nil {
		return nil, fmt.Errorf("event %s: decode tool result payload: %w", e.ID, err)
	}
	return &result, nil
}

// Compaction decodes the payload of a COMPACTION event.
func (e *Event) Compaction() (*CompactionPayload, error) {
	var payload CompactionPayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, fmt.Errorf("event %s: decode compaction payload: %w", e.ID, err)
	}
	return &payload, nil
}
