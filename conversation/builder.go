// Package conversation folds a raw thread event list into the
// provider-facing message sequence, preserving tool-call semantics.
package conversation

import (
	"strings"

	"github.com/obra/lace/thread"
	"github.com/obra/lace/types"
)

// LocalSystemPrefix marks locally-generated notices when they are folded
// into a user message. They are never folded as system messages to avoid
// confusing provider tool protocols.
const LocalSystemPrefix = "[system notice] "

// BuildConversation folds events into provider messages. The folding is
// deterministic and independent of event ids:
//
//  1. System prompt events become one leading system message, the user
//     variant appended after the base.
//  2. User messages carry their raw text.
//  3. An agent message absorbs the contiguous run of tool calls that
//     follows it into a single assistant message.
//  4. A contiguous run of tool results becomes one user message with
//     empty content.
//  5. Local system messages become prefixed user messages.
//  6. Compaction events are never emitted; their replacement events are
//     spliced in their place.
//  7. Orphaned calls stay on their assistant message and orphaned
//     results become a user message; the provider may reject these,
//     which is correctable at the next turn.
//
// Streaming events are transient and ignored.
func BuildConversation(events []*thread.Event) ([]types.ProviderMessage, error) {
	flattened, err := splice(events)
	if err != nil {
		return nil, err
	}

	var messages []types.ProviderMessage

	system, err := foldSystemPrompts(flattened)
	if err != nil {
		return nil, err
	}
	if system != "" {
		messages = append(messages, types.ProviderMessage{
			Role:    types.RoleSystem,
			Content: system,
		})
	}

	i := 0
	for i < len(flattened) {
		event := flattened[i]
		switch event.Type {
		case thread.EventSystemPrompt, thread.EventUserSystemPrompt, thread.EventAgentStreaming:
			i++

		case thread.EventUserMessage:
			text, err := event.Text()
			if err != nil {
				return nil, err
			}
			messages = append(messages, types.ProviderMessage{
				Role:    types.RoleUser,
				Content: text,
			})
			i++

		case thread.EventLocalSystemMessage:
			text, err := event.Text()
			if err != nil {
				return nil, err
			}
			messages = append(messages, types.ProviderMessage{
				Role:    types.RoleUser,
				Content: LocalSystemPrefix + text,
			})
			i++

		case thread.EventAgentMessage:
			payload, err := event.AgentMessage()
			if err != nil {
				return nil, err
			}
			msg := types.ProviderMessage{
				Role:    types.RoleAssistant,
				Content: payload.Content,
			}
			i++
			// Absorb the contiguous tool calls that follow.
			for i < len(flattened) && flattened[i].Type == thread.EventToolCall {
				call, err := flattened[i].ToolCall()
				if err != nil {
					return nil, err
				}
				msg.ToolCalls = append(msg.ToolCalls, *call)
				i++
			}
			messages = append(messages, msg)

		case thread.EventToolCall:
			// A call with no preceding agent message in this run; emit an
			// assistant message carrying only the calls.
			msg := types.ProviderMessage{Role: types.RoleAssistant}
			for i < len(flattened) && flattened[i].Type == thread.EventToolCall {
				call, err := flattened[i].ToolCall()
				if err != nil {
					return nil, err
				}
				msg.ToolCalls = append(msg.ToolCalls, *call)
				i++
			}
			messages = append(messages, msg)

		case thread.EventToolResult:
			msg := types.ProviderMessage{Role: types.RoleUser}
			for i < len(flattened) && flattened[i].Type == thread.EventToolResult {
				result, err := flattened[i].ToolResult()
				if err != nil {
					return nil, err
				}
				msg.ToolResults = append(msg.ToolResults, *result)
				i++
			}
			messages = append(messages, msg)

		default:
			i++
		}
	}

	return messages, nil
}

// splice replaces every COMPACTION event with its compacted events.
// Replacement events that are themselves compactions are expanded too,
// though strategies never produce them.
func splice(events []*thread.Event) ([]*thread.Event, error) {
	out := make([]*thread.Event, 0, len(events))
	for _, event := range events {
		if event.Type != thread.EventCompaction {
			out = append(out, event)
			continue
		}

		payload, err := event.Compaction()
		if err != nil {
			return nil, err
		}

		replacements := make([]*thread.Event, len(payload.CompactedEvents))
		for i := range payload.CompactedEvents {
			replacements[i] = &payload.CompactedEvents[i]
		}
		expanded, err := splice(replacements)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// foldSystemPrompts concatenates the system prompt events into one
// leading system message, user variant after base.
func foldSystemPrompts(events []*thread.Event) (string, error) {
	var base, user string
	for _, event := range events {
		switch event.Type {
		case thread.EventSystemPrompt:
			text, err := event.Text()
			if err != nil {
				return "", err
			}
			base = text
		case thread.EventUserSystemPrompt:
			text, err := event.Text()
			if err != nil {
				return "", err
			}
			user = text
		}
	}

	parts := make([]string, 0, 2)
	if base != "" {
		parts = append(parts, base)
	}
	if user != "" {
		parts = append(parts, user)
	}
	return strings.Join(parts, "\n\n"), nil
}
